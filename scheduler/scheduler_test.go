package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-brokercore/priority"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func mustNew(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(t.Name(), opts...)
	require.NoError(t, err)
	return s
}

// block occupies the scheduler, from another goroutine, until the returned
// function is called.
func block(t *testing.T, s *Scheduler) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	go s.Submit(func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for the scheduler`)
	}
	return func() { close(gate) }
}

func idle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Idle(ctx))
}

func TestScheduler_Submit_inlineWhenIdle(t *testing.T) {
	s := mustNew(t)
	assert.Equal(t, StateIdle, s.State())

	var ran bool
	f := s.Submit(func(ctx context.Context) error {
		ran = true
		assert.Same(t, s, Current(ctx))
		assert.Equal(t, StateRunning, s.State())
		return io.EOF
	})

	select {
	case <-f.Done():
	default:
		t.Fatal(`expected the task to have run inline`)
	}
	assert.True(t, ran)
	assert.Equal(t, io.EOF, f.Err())
	assert.Equal(t, io.EOF, f.Wait(context.Background()))
	assert.Equal(t, Stats{
		Name:           t.Name(),
		State:          StateIdle,
		MaxOutstanding: 1,
		TotalQueued:    1,
	}, s.Stats())
}

func TestScheduler_singleWriter(t *testing.T) {
	const (
		producers = 16
		perWorker = 500
	)

	s := mustNew(t, WithExternalBudget(4))

	var (
		running atomic.Int32
		counter int // guarded by the scheduler
	)
	task := func(context.Context) error {
		if !running.CompareAndSwap(0, 1) {
			return errors.New(`concurrent execution`)
		}
		counter++
		running.Store(0)
		return nil
	}

	var g errgroup.Group
	for range producers {
		g.Go(func() error {
			var futures []*Future
			for range perWorker {
				futures = append(futures, s.Submit(task))
			}
			for _, f := range futures {
				if err := f.Wait(context.Background()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	idle(t, s)

	assert.Equal(t, producers*perWorker, counter)
	assert.Equal(t, uint64(producers*perWorker), s.TotalQueued())
	assert.Zero(t, s.Outstanding())
	assert.GreaterOrEqual(t, s.MaxOutstanding(), int64(1))
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_offloadsAfterBudget(t *testing.T) {
	s := mustNew(t, WithExternalBudget(2))

	var (
		order   []string
		futures []*Future
	)
	gate := make(chan struct{})
	record := func(name string) Task {
		return func(context.Context) error {
			if name == `c` {
				<-gate
			}
			order = append(order, name)
			return nil
		}
	}

	s.Submit(func(context.Context) error {
		order = append(order, `a`)
		for _, name := range []string{`b`, `c`, `d`, `e`} {
			futures = append(futures, s.Submit(record(name)))
		}
		// re-entrant submissions are queued, never run inline
		assert.Equal(t, []string{`a`}, order)
		return nil
	})

	// a and b ran inline, the remainder were offloaded
	select {
	case <-futures[0].Done():
	default:
		t.Fatal(`expected b to have run inline`)
	}
	// Submit returned while c was still pending, on the offloaded executor
	select {
	case <-futures[1].Done():
		t.Fatal(`expected c to be pending`)
	default:
	}
	assert.Equal(t, uint64(1), s.OffloadCount())
	assert.Equal(t, StateOffloaded, s.State())
	assert.Equal(t, int64(3), s.Outstanding())

	close(gate)
	idle(t, s)
	assert.Equal(t, []string{`a`, `b`, `c`, `d`, `e`}, order)
	for _, f := range futures {
		assert.NoError(t, f.Err())
	}
}

func TestScheduler_panicRecovered(t *testing.T) {
	s := mustNew(t)

	f := s.Submit(func(context.Context) error { panic(`boom`) })
	var pe PanicError
	require.ErrorAs(t, f.Err(), &pe)
	assert.Equal(t, `boom`, pe.Value)
	assert.Nil(t, pe.Unwrap())

	f = s.Submit(func(context.Context) error { panic(io.ErrUnexpectedEOF) })
	assert.ErrorIs(t, f.Err(), io.ErrUnexpectedEOF)

	// the executor survives
	f = s.Submit(func(context.Context) error { return nil })
	assert.NoError(t, f.Err())
	assert.Equal(t, StateIdle, s.State())
}

func TestScheduler_Shutdown_outside(t *testing.T) {
	for _, tc := range [...]struct {
		name   string
		drain  bool
		queued error
	}{
		{`no drain runs queued`, false, nil},
		{`drain cancels queued`, true, ErrCancelled},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := mustNew(t)
			release := block(t, s)

			var ran atomic.Bool
			queued := s.Submit(func(context.Context) error {
				ran.Store(true)
				return nil
			})

			s.Shutdown(context.Background(), tc.drain)
			assert.True(t, s.IsShutdown())
			assert.Equal(t, StateShutdown, s.State())

			late := s.Submit(func(context.Context) error {
				t.Error(`late task ran`)
				return nil
			})
			select {
			case <-late.Done():
			default:
				t.Fatal(`expected the late submission to be cancelled`)
			}
			assert.ErrorIs(t, late.Err(), ErrCancelled)
			assert.ErrorIs(t, late.Err(), context.Canceled)

			release()
			idle(t, s)

			assert.Equal(t, tc.queued, queued.Err())
			assert.Equal(t, tc.queued == nil, ran.Load())
			assert.Zero(t, s.Outstanding())
		})
	}
}

func TestScheduler_Shutdown_insideCancelsQueued(t *testing.T) {
	s := mustNew(t)

	var queued []*Future
	outer := s.Submit(func(ctx context.Context) error {
		for range 3 {
			queued = append(queued, s.Submit(func(context.Context) error {
				return errors.New(`should not run`)
			}))
		}
		s.Shutdown(ctx, true)
		for _, f := range queued {
			select {
			case <-f.Done():
			default:
				return errors.New(`queued task not cancelled`)
			}
		}
		return nil
	})

	require.NoError(t, outer.Err())
	for _, f := range queued {
		assert.ErrorIs(t, f.Err(), ErrCancelled)
	}
	assert.Zero(t, s.Outstanding())
	assert.Equal(t, StateShutdown, s.State())
	assert.ErrorIs(t, s.Submit(func(context.Context) error { return nil }).Err(), ErrCancelled)
}

func TestScheduler_priority(t *testing.T) {
	s, err := NewPriority(t.Name(), 3)
	require.NoError(t, err)

	release := block(t, s)

	var order []string
	record := func(name string) Task {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	for _, v := range [...]struct {
		name string
		p    int
	}{{`a`, 0}, {`b`, 2}, {`c`, 1}, {`d`, 2}} {
		_, err := s.SubmitPriority(record(v.name), v.p)
		require.NoError(t, err)
	}
	s.Submit(record(`e`))

	_, err = s.SubmitPriority(record(`x`), 3)
	assert.ErrorIs(t, err, priority.ErrPriorityOutOfRange)

	release()
	idle(t, s)
	assert.Equal(t, []string{`b`, `d`, `c`, `a`, `e`}, order)

	_, err = NewPriority(`bad`, 0)
	assert.Error(t, err)

	_, err = mustNew(t).SubmitPriority(record(`x`), 0)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestScheduler_Assert(t *testing.T) {
	checked := mustNew(t, WithDomainChecks(true))
	unchecked := mustNew(t)

	assert.ErrorIs(t, checked.Assert(context.Background()), ErrWrongDomain)
	assert.NoError(t, unchecked.Assert(context.Background()))
	assert.Nil(t, Current(context.Background()))

	f := checked.Submit(func(ctx context.Context) error {
		if err := checked.Assert(ctx); err != nil {
			return err
		}
		if !InDomain(ctx, checked) || InDomain(ctx, unchecked) {
			return errors.New(`unexpected domain`)
		}
		// nested execution on another scheduler switches domain
		return unchecked.Submit(func(inner context.Context) error {
			if Current(inner) != unchecked {
				return errors.New(`expected the inner domain`)
			}
			return checked.Assert(inner)
		}).Err()
	})
	assert.ErrorIs(t, f.Err(), ErrWrongDomain)
}

func TestScheduler_Idle(t *testing.T) {
	s := mustNew(t)
	idle(t, s)

	f := s.Submit(func(ctx context.Context) error { return s.Idle(ctx) })
	assert.ErrorIs(t, f.Err(), ErrInDomain)

	release := block(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Idle(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- s.Idle(context.Background()) }()
	release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for idle`)
	}
}

func TestOptions(t *testing.T) {
	_, err := New(`bad`, WithExternalBudget(0))
	assert.Error(t, err)

	s, err := New(`ok`, nil, WithLogRates(nil), WithLogger(nil))
	require.NoError(t, err)
	assert.Equal(t, `ok`, s.Name())
	assert.Equal(t, `Offloaded`, StateOffloaded.String())
	assert.Equal(t, `Unknown`, State(99).String())
}
