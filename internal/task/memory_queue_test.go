package task

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Stochastic-Bridge/internal/errors"
)

func TestMemoryQueueRedeliversOnHandlerError(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, "flaky"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 1, func(context.Context, string) error {
			if calls.Add(1) == 1 {
				return stdErrors.New("temporary")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("failed task was not redelivered")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(context.Background(), 2, func(context.Context, string) error { return nil })
	}()

	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = q.Close()

	select {
	case err := <-errCh:
		if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
			t.Fatalf("expected queue failure after close, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("consumer did not stop after close")
	}
	if err := q.Publish(context.Background(), "late"); !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
		t.Fatalf("publish after close should fail, got %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, "b"); !stdErrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full queue should block until the deadline, got %v", err)
	}
}
