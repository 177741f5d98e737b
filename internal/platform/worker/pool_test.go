package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(context.Background(), 0, -5, nil)
	defer pool.Close()

	if pool.Workers() != 1 {
		t.Errorf("Expected 1 worker (default), got %d", pool.Workers())
	}

	t.Log("✓ Pool clamps invalid sizes")
}

func TestPool_ExecutesJobsAndReportsResults(t *testing.T) {
	var mu sync.Mutex
	results := make(map[string]error)

	pool := NewPool(context.Background(), 3, 10, func(r Result) {
		mu.Lock()
		results[r.JobID] = r.Err
		mu.Unlock()
	})

	boom := errors.New("boom")
	for _, id := range []string{"a", "b", "c"} {
		id := id
		if err := pool.Submit(context.Background(), Job{ID: id, Execute: func(ctx context.Context) error {
			if id == "b" {
				return boom
			}
			return nil
		}}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if !errors.Is(results["b"], boom) || results["a"] != nil || results["c"] != nil {
		t.Errorf("Unexpected results: %v", results)
	}

	t.Log("✓ Close drains queued jobs and results are reported")
}

func TestPool_TrySubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(context.Background(), 1, 1, nil)
	defer pool.Close()

	blocking := Job{ID: "block", Execute: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := pool.TrySubmit(blocking); err != nil {
		t.Fatalf("first TrySubmit failed: %v", err)
	}
	<-started

	noop := Job{ID: "noop", Execute: func(ctx context.Context) error { return nil }}
	if err := pool.TrySubmit(noop); err != nil {
		t.Fatalf("Expected queue slot, got %v", err)
	}
	if err := pool.TrySubmit(noop); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	t.Log("✓ TrySubmit never blocks")
}

func TestPool_SubmitAfterClose(t *testing.T) {
	pool := NewPool(context.Background(), 1, 1, nil)
	pool.Close()
	pool.Close()

	job := Job{ID: "late", Execute: func(ctx context.Context) error { return nil }}
	if err := pool.TrySubmit(job); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from TrySubmit, got %v", err)
	}
	if err := pool.Submit(context.Background(), job); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from Submit, got %v", err)
	}

	t.Log("✓ Closed pool rejects jobs")
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewPool(context.Background(), 1, 0, nil)
	defer pool.Close()

	_ = pool.Submit(context.Background(), Job{ID: "block", Execute: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Job{ID: "wait", Execute: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	close(release)
	t.Log("✓ Submit honours caller context")
}

func TestPool_RecoversPanics(t *testing.T) {
	var got atomic.Value
	pool := NewPool(context.Background(), 1, 2, func(r Result) {
		if r.Err != nil {
			got.Store(r.Err)
		}
	})

	_ = pool.Submit(context.Background(), Job{ID: "panic", Execute: func(ctx context.Context) error {
		panic("kaboom")
	}})
	var ran atomic.Bool
	_ = pool.Submit(context.Background(), Job{ID: "after", Execute: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})
	pool.Close()

	var pe *PanicError
	err, _ := got.Load().(error)
	if !errors.As(err, &pe) || pe.JobID != "panic" {
		t.Errorf("Expected PanicError for job panic, got %v", err)
	}
	if !ran.Load() {
		t.Error("Expected worker to keep running after panic")
	}

	t.Log("✓ Panicking job does not kill the worker")
}

func TestPool_AbortCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	pool := NewPool(context.Background(), 1, 1, nil)

	_ = pool.Submit(context.Background(), Job{ID: "long", Execute: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}})
	<-started
	pool.Abort()

	if !cancelled.Load() {
		t.Error("Expected running job to observe cancellation")
	}

	t.Log("✓ Abort cancels in-flight jobs")
}
