package idset

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// syncBatcher coalesces concurrent flush requests, so that a single
	// fsync services every caller waiting at the time it starts.
	syncBatcher struct {
		flush         func() error
		ctx           context.Context
		cancel        context.CancelFunc
		done          chan struct{}
		stopped       chan struct{}
		reqCh         chan struct{}   // sent on submit (ping)
		batchCh       chan *syncBatch // received on submit (pong)
		state         *syncBatch      // pending batch, also used for result
		maxSize       int
		flushInterval time.Duration
		stopOnce      sync.Once
	}

	syncBatch struct {
		err  error
		done chan struct{}
		size int
	}
)

func newSyncBatcher(flush func() error, maxSize int, flushInterval time.Duration) *syncBatcher {
	x := &syncBatcher{
		flush:         flush,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		reqCh:         make(chan struct{}),
		batchCh:       make(chan *syncBatch),
		state:         newSyncBatch(),
		maxSize:       maxSize,
		flushInterval: flushInterval,
	}
	x.ctx, x.cancel = context.WithCancel(context.Background())
	go x.run()
	return x
}

func newSyncBatch() *syncBatch {
	return &syncBatch{done: make(chan struct{})}
}

// submit blocks until a flush that started after the call completes.
func (x *syncBatcher) submit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var batch *syncBatch
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.stopped:
		return ErrFactoryClosed
	case x.reqCh <- struct{}{}: // ping
		batch = <-x.batchCh // pong
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-batch.done:
		return batch.err
	}
}

// close flushes any pending batch, then stops the worker.
func (x *syncBatcher) close() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
	<-x.done
}

func (x *syncBatcher) run() {
	defer close(x.done)
	defer x.cancel()

	runBatch := func() {
		if x.state.size == 0 {
			return
		}
		batch := x.state
		x.state = newSyncBatch()
		batch.err = errors.New(`idset: panic in sync`)
		defer close(batch.done)
		batch.err = x.flush()
	}

	flushCh := make(chan *syncBatch)

	for {
		select {
		case <-x.stopped:
			runBatch()
			return

		case <-x.reqCh: // ping
			x.batchCh <- x.state // pong

			x.state.size++

			if x.state.size >= x.maxSize || x.flushInterval == 0 {
				runBatch()
			} else if x.state.size == 1 {
				batch := x.state
				timer := time.NewTimer(x.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-x.ctx.Done():
					case <-batch.done:
					case <-timer.C:
						select {
						case <-x.ctx.Done():
						case <-batch.done:
						case flushCh <- batch:
						}
					}
				}()
			}

		case batch := <-flushCh:
			if batch == x.state {
				runBatch()
			}
		}
	}
}
