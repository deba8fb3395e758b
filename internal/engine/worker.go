package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// WorkerPool bounds the number of concurrently running tasks with a
// semaphore. Used for parallel step children and bounded loop fan-out.
type WorkerPool struct {
	sem       chan struct{}
	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
}

// NewWorkerPool creates a pool allowing up to size concurrent tasks.
// size < 1 is treated as 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Go runs fn on its own goroutine once a slot is free. It blocks for a slot
// and returns the context error if ctx is done first.
func (p *WorkerPool) Go(ctx context.Context, fn func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
	}

	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			p.active.Add(-1)
			p.completed.Add(1)
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until all submitted tasks have finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Active returns the number of currently running tasks.
func (p *WorkerPool) Active() int64 { return p.active.Load() }

// Completed returns the number of finished tasks.
func (p *WorkerPool) Completed() int64 { return p.completed.Load() }
