package scheduler

import (
	"context"
)

// Future is the result of a submitted task.
type Future struct {
	err  error
	done chan struct{}
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the task has completed, or been cancelled.
func (x *Future) Done() <-chan struct{} {
	return x.done
}

// Err returns the outcome of the task, which is nil until Done is closed.
// Cancelled tasks report [ErrCancelled], and panics a [PanicError].
func (x *Future) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// Wait blocks until the task completes, or ctx is done.
func (x *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.done:
		return x.err
	}
}

func (x *Future) complete(err error) {
	x.err = err
	close(x.done)
}
