// Package api exposes the daemon's REST surface: a synchronous completion
// endpoint backed by the configured llm.Client, the asynchronous task API,
// Prometheus metrics and a liveness probe.
package api
