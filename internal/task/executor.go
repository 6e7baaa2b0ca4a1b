package task

import (
	"context"
	"time"

	xerrors "Stochastic-Bridge/internal/errors"
	"Stochastic-Bridge/internal/llm"
)

// Executor 定义了处理器执行补全任务所需的能力。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*CompletionResult, error)
}

type modelIdentifier interface {
	ModelID() string
}

// CompletionExecutor 将任务交给大模型客户端生成补全结果。
type CompletionExecutor struct {
	client llm.Client
	model  string
}

// NewCompletionExecutor 使用给定的客户端构造执行器。
func NewCompletionExecutor(client llm.Client) *CompletionExecutor {
	e := &CompletionExecutor{client: client}
	if id, ok := client.(modelIdentifier); ok {
		e.model = id.ModelID()
	}
	return e
}

// Execute 调用大模型并记录耗时。
func (e *CompletionExecutor) Execute(ctx context.Context, task *Task) (*CompletionResult, error) {
	if e == nil || e.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "补全客户端未初始化")
	}
	if task == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	start := time.Now()
	resp, err := e.client.Generate(ctx, llm.Request{Prompt: task.Prompt, Stop: cloneStop(task.Stop)})
	if err != nil {
		return nil, err
	}
	model := e.model
	if model == "" {
		model = "unknown"
	}
	return &CompletionResult{
		Text:       resp.Text,
		Model:      model,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

var _ Executor = (*CompletionExecutor)(nil)
