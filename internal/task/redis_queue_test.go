package task

import (
	"context"
	stdErrors "errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)

	q, err := NewRedisQueue(context.Background(), RedisQueueConfig{
		Address:   srv.Addr(),
		Queue:     "completions-test",
		BlockWait: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new redis queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestRedisQueuePublishConsume(t *testing.T) {
	q, srv := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	items, err := srv.List("completions-test")
	if err != nil || len(items) != 2 {
		t.Fatalf("expected two queued items, got %v (%v)", items, err)
	}

	received := make(chan string, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Consume(ctx, 1, func(_ context.Context, id string) error {
			received <- id
			return nil
		})
	}()

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected FIFO order, got %s want %s", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if !stdErrors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("consumer did not stop after cancel")
	}
}

func TestRedisQueueRequeuesOnHandlerError(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, "flaky"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(_ context.Context, id string) error {
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
		t.Fatalf("failed message was not redelivered")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two deliveries, got %d", calls.Load())
	}
}

func TestNewRedisQueueRequiresAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisQueueConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
