// Package worker runs blocking work off the request goroutines with a
// bounded number of slots.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Stats is a point-in-time view of the pool.
type Stats struct {
	Size    int64
	Pending int64
	Running int64
}

type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	pending atomic.Int64
	running atomic.Int64
	closed  atomic.Bool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Stats() Stats {
	return Stats{Size: p.size, Pending: p.pending.Load(), Running: p.running.Load()}
}

// Run executes fn on a pool slot and waits for its result. If ctx ends
// first Run returns immediately; fn keeps its slot until it returns.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.closed.Load() {
		return zero, ErrPoolClosed
	}

	p.pending.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.pending.Add(-1)
	if err != nil {
		return zero, err
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	p.wg.Add(1)
	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close rejects new work and waits for running jobs.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}
