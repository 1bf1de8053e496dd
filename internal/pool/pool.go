// Package pool runs transfer tasks on a fixed number of workers.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pool closed")

// Task is one unit of work. Tasks report their own results.
type Task func()

// Pool is a bounded worker pool owned by one job.
type Pool struct {
	mu       sync.RWMutex
	closed   bool
	tasks    chan Task
	workers  errgroup.Group
	pending  sync.WaitGroup
	inFlight atomic.Int64
}

// New starts a pool with the given number of workers (at least one).
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{tasks: make(chan Task, workers)}
	for i := 0; i < workers; i++ {
		p.workers.Go(p.work)
	}
	return p
}

func (p *Pool) work() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task Task) {
	defer func() {
		p.inFlight.Add(-1)
		p.pending.Done()
	}()
	task()
}

// Submit enqueues task, blocking while every worker is busy and the queue
// is full. The in-flight count includes task before Submit returns.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.inFlight.Add(1)
	p.pending.Add(1)
	p.tasks <- task
	return nil
}

// InFlight is the number of submitted tasks that have not finished.
func (p *Pool) InFlight() int64 {
	return p.inFlight.Load()
}

// Wait blocks until every submitted task has finished. If ctx ends first it
// returns ctx.Err(); running tasks are not cancelled.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses further submissions and waits for the workers to drain the
// queue. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	_ = p.workers.Wait()
}
