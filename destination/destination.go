// Package destination composes the delivery core of a single destination,
// i.e. a queue or topic.
//
// Every operation runs as a task on the destination's scheduler, so the
// shared subscription groups, pending queues, and reference counts it owns
// are mutated by a single writer. Blocking methods wait for their task, or
// run it directly if the caller is already a task of the destination, e.g.
// acknowledging from within a [sharedsub.Deliverer].
package destination

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/joeycumines/go-brokercore/credit"
	"github.com/joeycumines/go-brokercore/idset"
	"github.com/joeycumines/go-brokercore/scheduler"
	"github.com/joeycumines/go-brokercore/sharedsub"
	"github.com/joeycumines/logiface"
	"go.uber.org/multierr"
)

const (
	// DefaultCacheSize is the number of message bodies cached in front of
	// the store, if unspecified.
	DefaultCacheSize = 1024

	// DefaultWindowSize is the page size of the factory created if none is
	// provided.
	DefaultWindowSize = 1024
)

type (
	// Message is an alias of [sharedsub.Message].
	Message = sharedsub.Message

	// Config configures a Destination. Deliver is required.
	Config struct {
		// Deliver hands messages to subscribed sessions.
		Deliver sharedsub.Deliverer

		// Scheduler is the domain of the destination. Defaults to a new FIFO
		// scheduler, named after the destination, configured with
		// SchedulerOptions.
		Scheduler *scheduler.Scheduler

		// Factory allocates the pages of pending queues and credit windows.
		// Defaults to a memory factory.
		Factory idset.Factory

		// Store holds message bodies. Defaults to a [MemoryStore].
		Store MessageStore

		// OwnerIDs allocates page owner labels, which must be unique within
		// Factory. Defaults to a sequence local to the destination.
		OwnerIDs func() uint64

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		Name string

		SchedulerOptions []scheduler.Option

		// CacheSize bounds the message bodies cached in front of Store.
		CacheSize int
	}

	// SubscribeRequest describes a session joining a shared subscription.
	SubscribeRequest struct {
		// Controller is optional, defaulting to a [credit.Window] configured
		// with Mode and Credit.
		Controller credit.Controller

		// Context is opaque, passed through to the deliverer.
		Context any

		Selector sharedsub.Selector

		// Complete is called once the session leaves the group.
		Complete func(err error)

		ShareName string

		SessionID string

		Mode credit.Mode

		Credit int
	}

	// Stats is a snapshot of a destination.
	Stats struct {
		// Pending is the number of messages awaiting dispatch, per group.
		Pending map[string]int

		Scheduler scheduler.Stats

		Name string

		// Messages is the number of messages referenced by any group.
		Messages int

		// Published is the last assigned message identifier.
		Published uint64
	}

	// Destination routes published messages to shared subscription groups.
	Destination struct {
		sched     *scheduler.Scheduler
		factory   idset.Factory
		registry  *sharedsub.Registry
		store     MessageStore
		cache     *lru.Cache[uint64, *Message]
		deliver   sharedsub.Deliverer
		ownerIDs  func() uint64
		logger    *logiface.Logger[logiface.Event]
		pending   map[string]*idset.Queue
		refs      map[uint64]int
		name      string
		nextID    uint64
		nextOwner uint64
		closed    bool
		draining  bool
		redrain   bool
	}
)

// New initializes a Destination.
func New(cfg Config) (*Destination, error) {
	if cfg.Deliver == nil {
		return nil, fmt.Errorf(`%w: deliver is required`, ErrInvalidConfig)
	}

	x := &Destination{
		sched:    cfg.Scheduler,
		factory:  cfg.Factory,
		registry: sharedsub.NewRegistry(),
		store:    cfg.Store,
		deliver:  cfg.Deliver,
		ownerIDs: cfg.OwnerIDs,
		logger:   cfg.Logger,
		pending:  make(map[string]*idset.Queue),
		refs:     make(map[uint64]int),
		name:     cfg.Name,
	}

	if x.sched == nil {
		var err error
		if x.sched, err = scheduler.New(cfg.Name, cfg.SchedulerOptions...); err != nil {
			return nil, err
		}
	}
	if x.factory == nil {
		x.factory = idset.NewMemoryFactory(DefaultWindowSize, idset.WithLogger(cfg.Logger))
	}
	if x.store == nil {
		x.store = NewMemoryStore()
	}
	if x.ownerIDs == nil {
		x.ownerIDs = func() uint64 {
			x.nextOwner++
			return x.nextOwner
		}
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	var err error
	if x.cache, err = lru.New[uint64, *Message](size); err != nil {
		return nil, err
	}

	return x, nil
}

// Name returns the name of the destination.
func (x *Destination) Name() string { return x.name }

// Scheduler returns the domain of the destination.
func (x *Destination) Scheduler() *scheduler.Scheduler { return x.sched }

// Submit schedules fn on the destination's domain.
func (x *Destination) Submit(fn scheduler.Task) *scheduler.Future {
	return x.sched.Submit(fn)
}

// Publish assigns msg the next identifier, and queues it for every group.
// The identifier is set by the time the returned future completes. Messages
// published while there are no groups are discarded.
func (x *Destination) Publish(ctx context.Context, msg *Message) (*scheduler.Future, error) {
	if msg == nil {
		return nil, errors.New(`destination: nil message`)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return x.sched.Submit(func(ctx context.Context) error {
		return x.publish(ctx, msg)
	}), nil
}

// AddSubscription adds a session to a shared subscription group, creating
// the group if necessary.
func (x *Destination) AddSubscription(ctx context.Context, req SubscribeRequest) (*sharedsub.Member, error) {
	var m *sharedsub.Member
	err := x.call(ctx, func(ctx context.Context) (err error) {
		m, err = x.addSubscription(ctx, req)
		return
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RemoveSubscription removes a session from a group, rolling back its
// outstanding messages. Removing the last session removes the group.
func (x *Destination) RemoveSubscription(ctx context.Context, shareName, sessionID string) error {
	return x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		return multierr.Append(g.RemoveMember(ctx, sessionID), x.drain(ctx))
	})
}

// SetCredit resizes the credit window of a session.
func (x *Destination) SetCredit(ctx context.Context, shareName, sessionID string, n int) error {
	return x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		return multierr.Append(g.SetCredit(ctx, sessionID, n), x.drain(ctx))
	})
}

// Ack acknowledges id on behalf of a session, returning the identifiers
// acknowledged, which depends on the session's acknowledgement mode.
func (x *Destination) Ack(ctx context.Context, shareName, sessionID string, id uint64) ([]uint64, error) {
	var acked []uint64
	err := x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		ids, err := g.Ack(ctx, sessionID, id)
		for _, id := range ids {
			err = multierr.Append(err, x.release(ctx, id))
		}
		acked = ids
		return multierr.Append(err, x.drain(ctx))
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

// Nack releases a session's claim on id, returning it to the group for
// redelivery. Returns false if id was not outstanding.
func (x *Destination) Nack(ctx context.Context, shareName, sessionID string, id uint64) (bool, error) {
	var ok bool
	err := x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		ok, err = g.Rollback(ctx, sessionID, id)
		return multierr.Append(err, x.drain(ctx))
	})
	return ok && err == nil, err
}

// Hibernate marks a session as inactive.
func (x *Destination) Hibernate(ctx context.Context, shareName, sessionID string) error {
	return x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		return g.Hibernate(ctx, sessionID)
	})
}

// Wake marks a session as active.
func (x *Destination) Wake(ctx context.Context, shareName, sessionID string) error {
	return x.call(ctx, func(ctx context.Context) error {
		g, err := x.group(shareName)
		if err != nil {
			return err
		}
		return multierr.Append(g.Wake(ctx, sessionID), x.drain(ctx))
	})
}

// Stats returns a snapshot of the destination.
func (x *Destination) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := x.call(ctx, func(context.Context) error {
		stats = Stats{
			Pending:   make(map[string]int, len(x.pending)),
			Name:      x.name,
			Messages:  len(x.refs),
			Published: x.nextID,
		}
		for name, q := range x.pending {
			stats.Pending[name] = q.Len()
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	stats.Scheduler = x.sched.Stats()
	return stats, nil
}

// Close removes every group, discarding pending messages, then shuts down
// the scheduler, cancelling any queued tasks.
func (x *Destination) Close(ctx context.Context) error {
	if x.sched.IsShutdown() {
		return nil
	}
	err := x.call(ctx, x.close)
	x.sched.Shutdown(ctx, true)
	if errors.Is(err, scheduler.ErrCancelled) {
		return nil
	}
	return err
}

// call runs fn in the destination's domain, waiting for it to complete.
func (x *Destination) call(ctx context.Context, fn scheduler.Task) error {
	if scheduler.InDomain(ctx, x.sched) {
		return fn(ctx)
	}
	return x.sched.Submit(fn).Wait(ctx)
}

func (x *Destination) publish(ctx context.Context, msg *Message) error {
	if x.closed {
		return scheduler.ErrCancelled
	}

	x.nextID++
	msg.ID = x.nextID

	if len(x.pending) == 0 {
		x.logger.Trace().
			Str(`destination`, x.name).
			Uint64(`id`, msg.ID).
			Log(`destination: no subscriptions, message discarded`)
		return nil
	}

	if err := x.store.Put(ctx, msg); err != nil {
		return err
	}
	x.cache.Add(msg.ID, msg)

	var err error
	for _, q := range x.pending {
		if e := q.Add(msg.ID); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		x.refs[msg.ID]++
	}
	if x.refs[msg.ID] == 0 {
		delete(x.refs, msg.ID)
		x.cache.Remove(msg.ID)
		err = multierr.Append(err, x.store.Delete(ctx, msg.ID))
	}

	return multierr.Append(err, x.drain(ctx))
}

func (x *Destination) addSubscription(ctx context.Context, req SubscribeRequest) (*sharedsub.Member, error) {
	if x.closed {
		return nil, scheduler.ErrCancelled
	}

	ctrl := req.Controller
	if ctrl == nil {
		w, err := credit.NewWindow(req.Mode, req.Credit, credit.WithFactory(x.factory, x.ownerIDs()))
		if err != nil {
			return nil, err
		}
		ctrl = w
	}

	g := x.registry.Get(req.ShareName)
	created := g == nil
	if created {
		var err error
		if g, err = x.createGroup(req.ShareName); err != nil {
			return nil, err
		}
	}

	m, err := g.AddMember(ctx, sharedsub.MemberConfig{
		Controller: ctrl,
		Context:    req.Context,
		Selector:   req.Selector,
		Complete:   req.Complete,
		SessionID:  req.SessionID,
	})
	if m == nil {
		if created {
			err = multierr.Append(err, g.Close(ctx))
		}
		return nil, err
	}

	return m, multierr.Append(err, x.drain(ctx))
}

func (x *Destination) createGroup(name string) (*sharedsub.Group, error) {
	q := idset.NewQueue(x.factory, x.ownerIDs())
	g, err := x.registry.Create(sharedsub.GroupConfig{
		Deliver: x.deliver,
		Requeue: func(ctx context.Context, id uint64) error {
			return x.requeue(ctx, name, q, id)
		},
		OnClose: func(ctx context.Context, g *sharedsub.Group) {
			if err := x.discard(ctx, g.Name()); err != nil {
				x.logger.Err().
					Str(`destination`, x.name).
					Str(`group`, g.Name()).
					Err(err).
					Log(`destination: failed to discard pending messages`)
			}
		},
		Asserter:    x.sched,
		Logger:      x.logger,
		Destination: x.name,
		Name:        name,
	})
	if err != nil {
		return nil, multierr.Append(err, q.Delete())
	}
	x.pending[name] = q

	x.logger.Info().
		Str(`destination`, x.name).
		Str(`group`, name).
		Log(`destination: group created`)

	return g, nil
}

// discard releases the pending messages of a closed group.
func (x *Destination) discard(ctx context.Context, name string) error {
	q := x.pending[name]
	if q == nil {
		return nil
	}
	delete(x.pending, name)

	var err error
	for {
		id, ok, e := q.Poll()
		err = multierr.Append(err, e)
		if !ok {
			break
		}
		err = multierr.Append(err, x.release(ctx, id))
	}
	return multierr.Append(err, q.Delete())
}

// drain dispatches pending messages to every ready group, until no group
// can take any more. A drain requested by a deliverer, while draining, is
// deferred until the current pass completes, which is then repeated.
func (x *Destination) drain(ctx context.Context) (err error) {
	if x.draining {
		x.redrain = true
		return nil
	}
	x.draining = true
	defer func() { x.draining = false }()
	for {
		x.redrain = false
		x.registry.Each(func(g *sharedsub.Group) bool {
			err = multierr.Append(err, x.drainGroup(ctx, g))
			return true
		})
		if !x.redrain {
			return
		}
	}
}

// drainGroup dispatches pending messages in ascending order, while the group
// is ready. Messages no member takes stay pending, and are passed over for
// the remainder of the pass.
func (x *Destination) drainGroup(ctx context.Context, g *sharedsub.Group) (err error) {
	q := x.pending[g.Name()]
	var from uint64
	for q != nil && g.IsReady() {
		id, ok, e := q.PollFrom(from)
		err = multierr.Append(err, e)
		if !ok {
			break
		}

		msg, e := x.load(ctx, id)
		if e != nil {
			err = multierr.Append(err, e)
			if errors.Is(e, ErrNotFound) {
				delete(x.refs, id)
				continue
			}
			err = multierr.Append(err, x.requeue(ctx, g.Name(), q, id))
			break
		}

		result, e := g.Dispatch(ctx, msg)
		if e != nil {
			err = multierr.Append(err, e)
			if !g.IsClosed() && !q.Contains(id) {
				err = multierr.Append(err, x.requeue(ctx, g.Name(), q, id))
			}
			break
		}
		if result.RolledBack() {
			from = id + 1
			continue
		}
		if result.Member.Controller().Type() == credit.ModeAuto.String() {
			err = multierr.Append(err, x.release(ctx, id))
		}
	}
	return
}

// requeue returns id to the pending queue q of a group, or, if the group has
// since closed, releases the group's reference.
func (x *Destination) requeue(ctx context.Context, name string, q *idset.Queue, id uint64) error {
	if x.pending[name] != q {
		return x.release(ctx, id)
	}
	return q.Add(id)
}

func (x *Destination) group(name string) (*sharedsub.Group, error) {
	if g := x.registry.Get(name); g != nil {
		return g, nil
	}
	return nil, fmt.Errorf(`%w: %q`, ErrUnknownSubscription, name)
}

func (x *Destination) load(ctx context.Context, id uint64) (*Message, error) {
	if msg, ok := x.cache.Get(id); ok {
		return msg, nil
	}
	msg, err := x.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	x.cache.Add(id, msg)
	return msg, nil
}

// release drops a group's reference to a message, deleting it once no group
// references it.
func (x *Destination) release(ctx context.Context, id uint64) error {
	n, ok := x.refs[id]
	if !ok {
		return nil
	}
	if n > 1 {
		x.refs[id] = n - 1
		return nil
	}
	delete(x.refs, id)
	x.cache.Remove(id)
	return x.store.Delete(ctx, id)
}

func (x *Destination) close(ctx context.Context) error {
	if x.closed {
		return nil
	}
	x.closed = true
	err := x.registry.Close(ctx)
	x.logger.Info().
		Str(`destination`, x.name).
		Uint64(`published`, x.nextID).
		Log(`destination: closed`)
	return err
}
