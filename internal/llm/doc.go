// Package llm 定义任务处理器与 HTTP API 共用的补全接口，各厂商的适配器位于子包中。
package llm
