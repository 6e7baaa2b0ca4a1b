package llm

import "context"

// Request 描述一次文本补全请求。
type Request struct {
	Prompt string   `json:"prompt"`
	Stop   []string `json:"stop,omitempty"`
}

// Response 是大模型返回的补全结果。
type Response struct {
	Text string `json:"text"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
