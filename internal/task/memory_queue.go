package task

import (
	"context"
	"sync"

	xerrors "Stochastic-Bridge/internal/errors"
)

// MemoryQueue 基于带缓冲 channel 的进程内队列，适用于单实例部署与测试。
// 处理失败的任务会被放回队尾；队列已满时放弃重投，等待 Service.Resume 兜底。
type MemoryQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列，size <= 0 时使用 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		ch:   make(chan string, size),
		done: make(chan struct{}),
	}
}

// Publish 投递任务 ID；队列满时阻塞，直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	default:
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
}

// Consume 启动 workerCount 个协程处理任务，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < max(workerCount, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case taskID := <-q.ch:
			if err := handler(ctx, taskID); err != nil && ctx.Err() == nil {
				q.requeue(taskID)
			}
		}
	}
}

func (q *MemoryQueue) requeue(taskID string) {
	select {
	case q.ch <- taskID:
	default:
	}
}

// Close 停止投递与消费，可重复调用。
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
