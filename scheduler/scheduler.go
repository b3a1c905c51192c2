package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-brokercore/internal/fifo"
	"github.com/joeycumines/go-brokercore/priority"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// Task is a unit of work. The ctx identifies the scheduler executing it, see
// [Current].
type Task func(ctx context.Context) error

type (
	// Scheduler serializes tasks, such that at most one runs at a time, in
	// submission order (or priority order, see [NewPriority]).
	//
	// There is no dedicated goroutine while idle. The submitter that finds
	// the scheduler idle becomes the executor, running tasks inline, until
	// either the queue empties, or the external budget is exhausted, at which
	// point execution is offloaded to a new goroutine, which runs until the
	// queue empties.
	Scheduler struct {
		queue       taskQueue
		ctx         context.Context
		logger      *logiface.Logger[logiface.Event]
		limiter     *catrate.Limiter
		idleCh      chan struct{} // closed on the next idle transition, guarded by idleMu
		name        string
		state       fastState
		outstanding atomic.Int64
		peak        atomic.Int64
		queued      atomic.Uint64
		offloads    atomic.Uint64
		budget      int
		// discarded counts tasks cancelled by an in-domain shutdown, which
		// remain accounted as outstanding. Executor only.
		discarded    int
		idleMu       sync.Mutex
		domainChecks bool
		shutdown     atomic.Bool
		drain        atomic.Bool
	}

	// Stats is a snapshot of the counters of a scheduler.
	Stats struct {
		Name           string
		State          State
		Outstanding    int64
		MaxOutstanding int64
		TotalQueued    uint64
		OffloadCount   uint64
	}
)

const (
	logCategoryOffload = `offload`
	logCategoryPanic   = `panic`
)

// New initializes a FIFO scheduler, backed by a lock-free queue.
func New(name string, opts ...Option) (*Scheduler, error) {
	return newScheduler(name, &fifoQueue{q: fifo.NewMPSC[*task]()}, opts)
}

// NewPriority initializes a scheduler that runs the queued task of highest
// priority next, with priorities in [0, bands).
func NewPriority(name string, bands int, opts ...Option) (*Scheduler, error) {
	if bands <= 0 {
		return nil, fmt.Errorf(`scheduler: invalid band count: %d`, bands)
	}
	return newScheduler(name, &priorityQueue{q: priority.New[*task](bands, nil)}, opts)
}

func newScheduler(name string, queue taskQueue, opts []Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	x := &Scheduler{
		queue:        queue,
		logger:       cfg.logger,
		name:         name,
		budget:       cfg.externalBudget,
		domainChecks: cfg.domainChecks,
	}
	if len(cfg.logRates) != 0 {
		x.limiter = catrate.NewLimiter(cfg.logRates)
	}
	x.ctx = context.WithValue(context.Background(), domainKey{}, x)

	return x, nil
}

// Name identifies the scheduler, e.g. in logs.
func (x *Scheduler) Name() string { return x.name }

// Submit enqueues fn, and executes it, inline, if the scheduler was idle.
// On a priority scheduler, fn has the lowest priority.
//
// If the scheduler has been shut down, the returned future is already
// complete, with [ErrCancelled].
func (x *Scheduler) Submit(fn Task) *Future {
	f, _ := x.submit(fn, 0)
	return f
}

// SubmitPriority behaves like Submit, with priority p. It fails with
// [priority.ErrPriorityOutOfRange] if p is invalid, or [ErrUnsupported] if
// the scheduler was not created by NewPriority.
func (x *Scheduler) SubmitPriority(fn Task, p int) (*Future, error) {
	if !x.queue.prioritized() {
		return nil, ErrUnsupported
	}
	if err := x.queue.check(p); err != nil {
		return nil, err
	}
	return x.submit(fn, p)
}

func (x *Scheduler) submit(fn Task, p int) (*Future, error) {
	if fn == nil {
		panic(`scheduler: nil task`)
	}

	t := &task{fn: fn, future: newFuture()}

	if x.shutdown.Load() {
		t.future.complete(ErrCancelled)
		return t.future, nil
	}

	if err := x.queue.push(t, p); err != nil {
		return nil, err
	}
	x.queued.Add(1)

	n := x.outstanding.Add(1)
	for {
		peak := x.peak.Load()
		if n <= peak || x.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if n == 1 {
		// we observed the idle to busy transition, so we are the executor
		x.execute()
	}

	return t.future, nil
}

func (x *Scheduler) execute() {
	x.state.Store(StateRunning)
	for budget := x.budget; budget > 0; budget-- {
		if x.runNext() {
			return
		}
	}
	x.offload()
}

func (x *Scheduler) offload() {
	x.offloads.Add(1)
	x.state.Store(StateOffloaded)

	if _, ok := x.limiter.Allow(logCategoryOffload); ok {
		x.logger.Debug().
			Str(`scheduler`, x.name).
			Int64(`outstanding`, x.outstanding.Load()).
			Log(`scheduler: external budget exhausted, offloading`)
	}

	go func() {
		for !x.runNext() {
		}
	}()
}

// runNext consumes one outstanding task, returning true if the scheduler
// became idle.
func (x *Scheduler) runNext() bool {
	if x.discarded != 0 {
		x.discarded--
	} else if t, ok := x.queue.pop(); ok {
		x.run(t)
	} else {
		panic(`scheduler: outstanding task missing from queue`)
	}

	if x.outstanding.Add(-1) != 0 {
		return false
	}

	x.idleMu.Lock()
	if x.idleCh != nil {
		close(x.idleCh)
		x.idleCh = nil
	}
	x.idleMu.Unlock()

	return true
}

func (x *Scheduler) run(t *task) {
	if x.drain.Load() && x.shutdown.Load() {
		t.future.complete(ErrCancelled)
		return
	}

	panicked, err := x.call(t.fn)
	if panicked {
		if _, ok := x.limiter.Allow(logCategoryPanic); ok {
			x.logger.Err().
				Str(`scheduler`, x.name).
				Err(err).
				Log(`scheduler: task panicked`)
		}
	}

	t.future.complete(err)
}

func (x *Scheduler) call(fn Task) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked, err = true, PanicError{Value: r}
		}
	}()
	return false, fn(x.ctx)
}

// Shutdown stops the scheduler from accepting tasks. Subsequent submissions
// are cancelled. Tasks already running always finish.
//
// If drain is false, queued tasks still run. If drain is true, queued tasks
// are cancelled as they are reached. If drain is true, and ctx is that of a
// task running on this scheduler (called synchronously, from within the
// task), every queued task is cancelled before Shutdown returns.
func (x *Scheduler) Shutdown(ctx context.Context, drain bool) {
	if drain {
		x.drain.Store(true)
	}

	if !x.shutdown.Swap(true) {
		x.logger.Info().
			Str(`scheduler`, x.name).
			Bool(`drain`, drain).
			Int64(`outstanding`, x.outstanding.Load()).
			Log(`scheduler: shutdown`)
	}

	if drain && InDomain(ctx, x) {
		tasks := x.queue.drain()
		x.discarded += len(tasks)
		for _, t := range tasks {
			t.future.complete(ErrCancelled)
		}
	}
}

// IsShutdown reports whether Shutdown has been called.
func (x *Scheduler) IsShutdown() bool {
	return x.shutdown.Load()
}

// Idle blocks until no task is queued or running, or ctx is done. It fails
// with [ErrInDomain] if ctx is that of a task of this scheduler.
func (x *Scheduler) Idle(ctx context.Context) error {
	if InDomain(ctx, x) {
		return ErrInDomain
	}
	for {
		x.idleMu.Lock()
		if x.outstanding.Load() == 0 {
			x.idleMu.Unlock()
			return nil
		}
		if x.idleCh == nil {
			x.idleCh = make(chan struct{})
		}
		ch := x.idleCh
		x.idleMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// State returns a snapshot of the scheduler's state.
func (x *Scheduler) State() State {
	if x.shutdown.Load() {
		return StateShutdown
	}
	if x.outstanding.Load() == 0 {
		return StateIdle
	}
	return x.state.Load()
}

// Outstanding is the number of tasks queued or running.
func (x *Scheduler) Outstanding() int64 { return x.outstanding.Load() }

// MaxOutstanding is the peak of Outstanding.
func (x *Scheduler) MaxOutstanding() int64 { return x.peak.Load() }

// TotalQueued is the number of tasks ever enqueued.
func (x *Scheduler) TotalQueued() uint64 { return x.queued.Load() }

// OffloadCount is the number of times execution moved to a dedicated
// goroutine.
func (x *Scheduler) OffloadCount() uint64 { return x.offloads.Load() }

// Stats returns a snapshot of the counters.
func (x *Scheduler) Stats() Stats {
	return Stats{
		Name:           x.name,
		State:          x.State(),
		Outstanding:    x.Outstanding(),
		MaxOutstanding: x.MaxOutstanding(),
		TotalQueued:    x.TotalQueued(),
		OffloadCount:   x.OffloadCount(),
	}
}
