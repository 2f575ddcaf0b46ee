// Package worker implements the bounded worker pool of spec.md §5: actors
// offload long-running BFV operations and disk writes here and suspend on
// the returned future, instead of blocking their own mailbox goroutine.
package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Task is a unit of offloaded work. It must check ctx cooperatively between
// chunks of work (spec.md §5: "Worker tasks are cooperative: they check a
// cancellation token between polynomial-degree-sized chunks").
type Task func(ctx context.Context) (any, error)

// Pool is a bounded goroutine pool; at most size tasks run concurrently,
// excess submissions queue on the semaphore channel.
type Pool struct {
	sem chan struct{}
}

// New returns a Pool that runs at most size tasks concurrently.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Future is the handle an actor suspends on after Submit. ID is a unique
// run/job correlation id a caller can fold into its own log lines so a
// pool task's eventual success or failure can be tied back to the
// submission that triggered it.
type Future struct {
	ID     string
	result chan result
}

type result struct {
	value any
	err   error
}

// Submit schedules t and returns a Future. The caller is expected to
// receive on Future.Wait(ctx) from its own actor goroutine.
func (p *Pool) Submit(ctx context.Context, t Task) *Future {
	f := &Future{ID: uuid.NewString(), result: make(chan result, 1)}
	go func() {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			f.result <- result{err: ctx.Err()}
			return
		}
		defer func() { <-p.sem }()
		v, err := t(ctx)
		f.result <- result{value: v, err: err}
	}()
	return f
}

// Wait blocks until the task completes or ctx is cancelled first.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-f.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("worker: wait cancelled: %w", ctx.Err())
	}
}
