package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type testWork struct {
	id   int
	fail bool
}

func TestNewPool(t *testing.T) {
	processor := func(_ context.Context, _ testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	if pool.workers != 5 {
		t.Errorf("expected 5 workers, got %d", pool.workers)
	}
	if pool.queueSize != 100 {
		t.Errorf("expected queue size 100, got %d", pool.queueSize)
	}

	pool = NewPool(0, 100, processor)
	if pool.workers != 4 {
		t.Errorf("expected default 4 workers, got %d", pool.workers)
	}

	pool = NewPool(5, 0, processor)
	if pool.queueSize != 256 {
		t.Errorf("expected default queue size 256, got %d", pool.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for nil processor")
		}
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error { return nil })

	if err := pool.Submit(testWork{}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("expected ErrPoolNotStarted, got %v", err)
	}
}

func TestPool_ProcessesWork(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	if err := pool.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if atomic.LoadInt64(&processed) != 5 {
		t.Errorf("expected 5 processed, got %d", processed)
	}

	stats := pool.Stats()
	if stats.Submitted != 5 || stats.Processed != 5 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPool_CountsFailures(t *testing.T) {
	pool := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("processing failed")
		}
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_ = pool.Submit(testWork{fail: true})
	_ = pool.Submit(testWork{fail: false})

	if err := pool.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	stats := pool.Stats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", stats.Failed)
	}
}

func TestPool_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-block
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// First item occupies the worker, second fills the queue
	_ = pool.Submit(testWork{id: 1})
	time.Sleep(20 * time.Millisecond)
	_ = pool.Submit(testWork{id: 2})

	err := pool.Submit(testWork{id: 3})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
	if err := pool.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if pool.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", pool.Stats().Dropped)
	}
}

func TestPool_DoubleStart(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error { return nil })

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("expected ErrPoolAlreadyStarted, got %v", err)
	}
	_ = pool.Stop(time.Second)
}

func TestPool_StopIdempotent(t *testing.T) {
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error { return nil })
	_ = pool.Start(context.Background())

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}
