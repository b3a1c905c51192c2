package sharedsub

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"slices"
	"time"

	"github.com/joeycumines/go-brokercore/credit"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"go.uber.org/multierr"
)

type (
	// GroupConfig configures a Group. Deliver and Requeue are required.
	GroupConfig struct {
		// Deliver hands messages to members.
		Deliver Deliverer

		// Requeue returns an identifier no member could take, or that a
		// member released, to the pending messages of the group.
		Requeue func(ctx context.Context, id uint64) error

		// OnReady is called when the group transitions to ready, i.e. a
		// member may now accept a message.
		OnReady func(ctx context.Context, g *Group)

		// OnClose is called once the group has closed.
		OnClose func(ctx context.Context, g *Group)

		// Asserter, if set, verifies the context of mutating calls.
		Asserter Asserter

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// FailureLogRates throttles the logging of delivery failures, per
		// session. Defaults to one per second, and ten per minute.
		FailureLogRates map[time.Duration]int

		// Destination is the name of the destination the group belongs to.
		Destination string

		// Name is the share name.
		Name string
	}

	// Group is a shared subscription group.
	//
	// Thread Safety: This struct is NOT thread-safe.
	Group struct {
		deliver     Deliverer
		requeue     func(ctx context.Context, id uint64) error
		onReady     func(ctx context.Context, g *Group)
		onClose     func(ctx context.Context, g *Group)
		asserter    Asserter
		logger      *logiface.Logger[logiface.Event]
		limiter     *catrate.Limiter
		registry    *Registry
		destination string
		name        string
		members     []*Member
		cursor      int
		inflight    uint64
		hibernating bool
		closed      bool
		dispatching bool
		requeued    bool
	}

	// DispatchResult describes the outcome of [Group.Dispatch].
	DispatchResult struct {
		// Member received the message, nil if it was requeued.
		Member *Member

		// Failures is the number of members that were offered the message,
		// but failed to take it.
		Failures int
	}
)

// RolledBack reports whether the message was returned to the group's pending
// messages, rather than delivered.
func (x DispatchResult) RolledBack() bool { return x.Member == nil }

// NewGroup initializes a standalone Group, see also [Registry.Create].
func NewGroup(cfg GroupConfig) (*Group, error) {
	if cfg.Deliver == nil || cfg.Requeue == nil {
		return nil, fmt.Errorf(`%w: deliver and requeue are required`, ErrInvalidConfig)
	}
	rates := cfg.FailureLogRates
	if rates == nil {
		rates = map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		}
	}
	x := &Group{
		deliver:     cfg.Deliver,
		requeue:     cfg.Requeue,
		onReady:     cfg.OnReady,
		onClose:     cfg.OnClose,
		asserter:    cfg.Asserter,
		logger:      cfg.Logger,
		destination: cfg.Destination,
		name:        cfg.Name,
		cursor:      -1,
	}
	if len(rates) != 0 {
		x.limiter = catrate.NewLimiter(rates)
	}
	return x, nil
}

// Name returns the share name.
func (x *Group) Name() string { return x.name }

// Destination returns the name of the destination the group belongs to.
func (x *Group) Destination() string { return x.destination }

// Len returns the number of members.
func (x *Group) Len() int { return len(x.members) }

// Members returns the members, in iteration order.
func (x *Group) Members() []*Member { return slices.Clone(x.members) }

// Member returns the member with the given session id, or nil.
func (x *Group) Member(sessionID string) *Member {
	if i := x.index(sessionID); i >= 0 {
		return x.members[i]
	}
	return nil
}

// IsClosed reports whether the group has closed, which happens once it no
// longer has any members.
func (x *Group) IsClosed() bool { return x.closed }

// IsHibernating reports whether every member is hibernating.
func (x *Group) IsHibernating() bool { return x.hibernating }

// IsReady reports whether any member may accept a message, ignoring
// selectors.
func (x *Group) IsReady() bool {
	if x.closed || x.hibernating {
		return false
	}
	for _, m := range x.members {
		if !m.hibernating && m.controller.CanSend() {
			return true
		}
	}
	return false
}

// AddMember adds a member, or replaces the member with the same session id,
// without changing its position. The group takes ownership of the
// controller, closing it, if it implements [io.Closer], once the member
// leaves. A hibernating group is woken.
func (x *Group) AddMember(ctx context.Context, cfg MemberConfig) (*Member, error) {
	if err := x.check(ctx); err != nil {
		return nil, err
	}
	if cfg.SessionID == `` || cfg.Controller == nil {
		return nil, fmt.Errorf(`%w: session id and controller are required`, ErrInvalidConfig)
	}

	wasReady := x.IsReady()

	m := newMember(cfg)
	var err error
	if i := x.index(cfg.SessionID); i >= 0 {
		old := x.members[i]
		x.members[i] = m
		err = x.release(ctx, old, ErrMemberReplaced, !sameController(old.controller, m.controller))
	} else {
		x.members = append(x.members, m)
	}
	x.hibernating = false

	x.logger.Debug().
		Str(`destination`, x.destination).
		Str(`group`, x.name).
		Str(`session`, m.sessionID).
		Int(`members`, len(x.members)).
		Log(`sharedsub: member added`)

	x.readiness(ctx, wasReady)

	return m, err
}

// RemoveMember removes a member, rolling back its outstanding identifiers.
// Removing the last member closes the group.
func (x *Group) RemoveMember(ctx context.Context, sessionID string) error {
	if err := x.check(ctx); err != nil {
		return err
	}
	i := x.index(sessionID)
	if i < 0 {
		return fmt.Errorf(`%w: %q`, ErrUnknownMember, sessionID)
	}

	m := x.members[i]
	x.members = slices.Delete(x.members, i, i+1)
	// the next candidate is whichever member followed the removed one
	if i <= x.cursor {
		x.cursor--
	}
	x.cursor = min(x.cursor, len(x.members)-1)

	x.logger.Debug().
		Str(`destination`, x.destination).
		Str(`group`, x.name).
		Str(`session`, sessionID).
		Int(`members`, len(x.members)).
		Log(`sharedsub: member removed`)

	err := x.release(ctx, m, nil, true)

	if len(x.members) == 0 {
		err = multierr.Append(err, x.Close(ctx))
	} else {
		x.updateHibernating()
	}

	return err
}

// Hibernate marks a member as inactive. The group hibernates once every
// member is hibernating.
func (x *Group) Hibernate(ctx context.Context, sessionID string) error {
	m, err := x.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	m.hibernating = true
	x.updateHibernating()
	return nil
}

// Wake marks a member as active, waking the group.
func (x *Group) Wake(ctx context.Context, sessionID string) error {
	m, err := x.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	wasReady := x.IsReady()
	m.hibernating = false
	x.hibernating = false
	x.readiness(ctx, wasReady)
	return nil
}

// SetCredit resizes the credit window of a member.
func (x *Group) SetCredit(ctx context.Context, sessionID string, n int) error {
	m, err := x.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	wasReady := x.IsReady()
	m.controller.SetMaxOutstanding(n)
	x.readiness(ctx, wasReady)
	return nil
}

// Ack acknowledges id on behalf of a member, returning the identifiers the
// member's controller acknowledged.
func (x *Group) Ack(ctx context.Context, sessionID string, id uint64) ([]uint64, error) {
	m, err := x.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wasReady := x.IsReady()
	acked, err := m.controller.Ack(id)
	x.readiness(ctx, wasReady)
	return acked, err
}

// Rollback releases a member's claim on id, requeueing it. Returns false if
// the identifier was not outstanding.
func (x *Group) Rollback(ctx context.Context, sessionID string, id uint64) (bool, error) {
	m, err := x.lookup(ctx, sessionID)
	if err != nil {
		return false, err
	}
	wasReady := x.IsReady()
	ok, err := m.controller.Rollback(id)
	if ok {
		err = multierr.Append(err, x.putBack(ctx, id))
	}
	x.readiness(ctx, wasReady)
	return ok, err
}

// Dispatch offers msg to at most one round of members, starting after the
// member that last received a message. The first eligible member that takes
// it becomes the new cursor. A member whose delivery fails has its claim
// rolled back, and is skipped. If no member takes the message, its
// identifier is requeued, exactly once.
//
// The deliverer may modify the group, e.g. remove the member it was called
// for. Members that left are not offered the message, and the round ends
// early if the identifier was requeued as a side effect, or the group
// closed. Dispatch itself must not be called from within the deliverer, see
// [ErrDispatching].
func (x *Group) Dispatch(ctx context.Context, msg *Message) (DispatchResult, error) {
	var result DispatchResult
	if err := x.check(ctx); err != nil {
		return result, err
	}
	if x.dispatching {
		return result, fmt.Errorf(`%w: %q`, ErrDispatching, x.name)
	}
	x.dispatching, x.inflight, x.requeued = true, msg.ID, false
	defer func() { x.dispatching = false }()

	if !x.hibernating {
		members := slices.Clone(x.members)
		start := x.cursor + 1
		for i := range members {
			if x.closed || x.requeued {
				break
			}
			m := members[(start+i)%len(members)]
			if x.position(m) < 0 || !m.eligible(msg) {
				continue
			}
			if err := x.offer(ctx, m, msg); err != nil {
				result.Failures++
				x.logFailure(m, msg, err)
				continue
			}
			if idx := x.position(m); idx >= 0 {
				x.cursor = idx
			}
			result.Member = m
			return result, nil
		}
	}

	if x.requeued {
		return result, nil
	}
	return result, x.putBack(ctx, msg.ID)
}

// Close removes every member, rolling back their outstanding identifiers,
// then deregisters the group. Subsequent calls are no-ops.
func (x *Group) Close(ctx context.Context) error {
	if x.asserter != nil {
		if err := x.asserter.Assert(ctx); err != nil {
			return err
		}
	}
	if x.closed {
		return nil
	}
	x.closed = true

	members := x.members
	x.members = nil
	x.cursor = -1

	var err error
	for _, m := range members {
		err = multierr.Append(err, x.release(ctx, m, ErrGroupClosed, true))
	}

	if x.registry != nil {
		x.registry.deregister(x)
	}

	x.logger.Debug().
		Str(`destination`, x.destination).
		Str(`group`, x.name).
		Log(`sharedsub: group closed`)

	if x.onClose != nil {
		x.onClose(ctx, x)
	}

	return err
}

func (x *Group) offer(ctx context.Context, m *Member, msg *Message) error {
	if err := m.controller.Sent(msg.ID); err != nil {
		return err
	}
	err := x.deliver(ctx, Delivery{
		Member:       m,
		Message:      msg,
		Destination:  x.destination,
		Subscription: x.name,
	})
	if err != nil {
		if _, e := m.controller.Rollback(msg.ID); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return err
}

func (x *Group) logFailure(m *Member, msg *Message, err error) {
	if _, ok := x.limiter.Allow(m.sessionID); !ok {
		return
	}
	x.logger.Warning().
		Str(`destination`, x.destination).
		Str(`group`, x.name).
		Str(`session`, m.sessionID).
		Uint64(`id`, msg.ID).
		Err(err).
		Log(`sharedsub: delivery failed, skipping member`)
}

// release rolls back the outstanding identifiers of a departing member.
func (x *Group) release(ctx context.Context, m *Member, reason error, closeController bool) error {
	var err error
	for _, id := range m.controller.Outstanding() {
		ok, e := m.controller.Rollback(id)
		err = multierr.Append(err, e)
		if ok {
			err = multierr.Append(err, x.putBack(ctx, id))
		}
	}
	if closeController {
		if c, ok := m.controller.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	if m.complete != nil {
		m.complete(reason)
	}
	return err
}

// putBack requeues id, noting if it is the identifier being dispatched.
func (x *Group) putBack(ctx context.Context, id uint64) error {
	if x.dispatching && id == x.inflight {
		x.requeued = true
	}
	return x.requeue(ctx, id)
}

func (x *Group) readiness(ctx context.Context, wasReady bool) {
	if !wasReady && x.onReady != nil && x.IsReady() {
		x.onReady(ctx, x)
	}
}

func (x *Group) updateHibernating() {
	for _, m := range x.members {
		if !m.hibernating {
			x.hibernating = false
			return
		}
	}
	x.hibernating = len(x.members) != 0
}

func (x *Group) check(ctx context.Context) error {
	if x.asserter != nil {
		if err := x.asserter.Assert(ctx); err != nil {
			return err
		}
	}
	if x.closed {
		return fmt.Errorf(`%w: %q`, ErrGroupClosed, x.name)
	}
	return nil
}

func (x *Group) lookup(ctx context.Context, sessionID string) (*Member, error) {
	if err := x.check(ctx); err != nil {
		return nil, err
	}
	if m := x.Member(sessionID); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf(`%w: %q`, ErrUnknownMember, sessionID)
}

// position returns the index of m, or -1 if it is no longer a member.
func (x *Group) position(m *Member) int {
	return slices.Index(x.members, m)
}

func (x *Group) index(sessionID string) int {
	return slices.IndexFunc(x.members, func(m *Member) bool { return m.sessionID == sessionID })
}

func sameController(a, b credit.Controller) bool {
	t := reflect.TypeOf(a)
	return t == reflect.TypeOf(b) && t.Comparable() && a == b
}
