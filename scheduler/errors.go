package scheduler

import (
	"context"
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrCancelled completes the future of a task that was discarded without
	// running, due to shutdown. It wraps [context.Canceled].
	ErrCancelled = fmt.Errorf(`scheduler: task cancelled: %w`, context.Canceled)

	// ErrUnsupported is returned by SubmitPriority on a FIFO scheduler.
	ErrUnsupported = errors.New(`scheduler: unsupported operation`)

	// ErrWrongDomain is returned by Assert, if domain checks are enabled, and
	// the context is not that of a task running on the scheduler.
	ErrWrongDomain = errors.New(`scheduler: not executing in the scheduler's domain`)

	// ErrInDomain is returned by Idle when called from within a task of the
	// same scheduler, as it would never return.
	ErrInDomain = errors.New(`scheduler: cannot wait for idle from within the scheduler`)
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf(`scheduler: task panicked: %v`, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
