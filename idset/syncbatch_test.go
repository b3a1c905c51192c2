package idset

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// checkNumGoroutines returns a function that fails the test if the number of
// goroutines has not returned to the initial count within timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	initial := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			n := runtime.NumGoroutine()
			if n <= initial {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`expected at most %d goroutines, got %d`, initial, n)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

func TestSyncBatcher_coalesces(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t) // should always clean up

	var flushes atomic.Int32
	gate := make(chan struct{})
	b := newSyncBatcher(func() error {
		<-gate
		flushes.Add(1)
		return nil
	}, 1000, time.Millisecond*10)
	defer b.close()

	var g errgroup.Group
	for range 16 {
		g.Go(func() error { return b.submit(context.Background()) })
	}
	time.Sleep(time.Millisecond * 50)
	close(gate)
	require.NoError(t, g.Wait())

	// the first flush may have started before every caller joined
	assert.LessOrEqual(t, flushes.Load(), int32(2))
	assert.GreaterOrEqual(t, flushes.Load(), int32(1))
}

func TestSyncBatcher_error(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t) // should always clean up

	errFlush := errors.New(`disk on fire`)
	b := newSyncBatcher(func() error { return errFlush }, 1, 0)
	assert.ErrorIs(t, b.submit(context.Background()), errFlush)

	b.close()
	b.close()
	assert.ErrorIs(t, b.submit(context.Background()), ErrFactoryClosed)
}
