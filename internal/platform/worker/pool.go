// Package worker provides a bounded worker pool for background cache work.
package worker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull is returned by TrySubmit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Job is a unit of work executed by a worker.
type Job struct {
	// ID identifies the job in results and logs (e.g. "rebuild:WEEKLY")
	ID      string
	Execute func(ctx context.Context) error
}

// Result is the outcome of a job execution.
type Result struct {
	JobID string
	Err   error
}

// Pool runs jobs on a fixed number of goroutines pulling from a bounded queue.
type Pool struct {
	workers  int
	jobQueue chan Job
	onResult func(Result)

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts a pool with the given number of workers.
// onResult, if non-nil, is called from the worker goroutine after every job.
//
// Example:
//
//	pool := worker.NewPool(ctx, 4, 64, nil)
//	defer pool.Close()
//	pool.TrySubmit(worker.Job{ID: "rebuild:WEEKLY", Execute: rebuild})
func NewPool(ctx context.Context, workers, queueSize int, onResult func(Result)) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:  workers,
		jobQueue: make(chan Job, queueSize),
		onResult: onResult,
		ctx:      poolCtx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			err := p.run(job)
			if p.onResult != nil {
				p.onResult(Result{JobID: job.ID, Err: err})
			}
		}
	}
}

// run executes one job, turning a panic into an error so the worker survives.
func (p *Pool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{JobID: job.ID, Value: r}
		}
	}()
	return job.Execute(p.ctx)
}

// Submit enqueues a job, blocking until a slot frees up or ctx ends.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	case p.jobQueue <- job:
		return nil
	}
}

// TrySubmit enqueues a job without blocking.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, lets workers finish queued work and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Abort cancels running jobs and drops anything still queued.
func (p *Pool) Abort() {
	p.cancel()
	p.Close()
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobQueue)
}

// PanicError wraps a panic recovered from a job.
type PanicError struct {
	JobID string
	Value any
}

func (e *PanicError) Error() string {
	return "worker: job " + e.JobID + " panicked"
}
