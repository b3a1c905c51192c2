package destination

import (
	"context"
	"errors"
	"testing"

	"github.com/joeycumines/go-brokercore/credit"
	"github.com/joeycumines/go-brokercore/idset"
	"github.com/joeycumines/go-brokercore/scheduler"
	"github.com/joeycumines/go-brokercore/sharedsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	group   string
	session string
	id      uint64
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	dest      *Destination
	store     *MemoryStore
	factory   *idset.PageFactory
	delivered []delivery
	onDeliver func(ctx context.Context, d sharedsub.Delivery) error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   NewMemoryStore(),
		factory: idset.NewMemoryFactory(64),
	}
	var err error
	f.dest, err = New(Config{
		Deliver: func(ctx context.Context, d sharedsub.Delivery) error {
			f.delivered = append(f.delivered, delivery{d.Subscription, d.Member.SessionID(), d.Message.ID})
			if f.onDeliver != nil {
				return f.onDeliver(ctx, d)
			}
			return nil
		},
		Factory:          f.factory,
		Store:            f.store,
		Name:             `orders`,
		SchedulerOptions: []scheduler.Option{scheduler.WithDomainChecks(true)},
		CacheSize:        2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.dest.Close(context.Background())) })
	return f
}

func (f *fixture) subscribe(share, session string, mode credit.Mode, n int) *sharedsub.Member {
	f.t.Helper()
	m, err := f.dest.AddSubscription(f.ctx, SubscribeRequest{
		ShareName: share,
		SessionID: session,
		Mode:      mode,
		Credit:    n,
	})
	require.NoError(f.t, err)
	return m
}

func (f *fixture) publish(n int) (ids []uint64) {
	f.t.Helper()
	for range n {
		msg := &Message{Body: []byte(`body`)}
		future, err := f.dest.Publish(f.ctx, msg)
		require.NoError(f.t, err)
		require.NoError(f.t, future.Wait(f.ctx))
		ids = append(ids, msg.ID)
	}
	return
}

func (f *fixture) sessions() (s []string) {
	for _, d := range f.delivered {
		s = append(s, d.session)
	}
	return
}

func (f *fixture) stats() Stats {
	f.t.Helper()
	stats, err := f.dest.Stats(f.ctx)
	require.NoError(f.t, err)
	return stats
}

func TestDestination_endToEnd(t *testing.T) {
	f := newFixture(t)
	f.subscribe(`grp`, `A`, credit.ModeClient, 10)
	f.subscribe(`grp`, `B`, credit.ModeClient, 0)
	f.subscribe(`grp`, `C`, credit.ModeClient, 10)

	assert.Equal(t, []uint64{1, 2, 3}, f.publish(3))
	assert.Equal(t, []string{`A`, `C`, `A`}, f.sessions())

	require.NoError(t, f.dest.SetCredit(f.ctx, `grp`, `B`, 1))
	f.publish(1)
	assert.Equal(t, []string{`A`, `C`, `A`, `B`}, f.sessions())
	for _, d := range f.delivered {
		assert.Equal(t, `grp`, d.group)
	}

	acked, err := f.dest.Ack(f.ctx, `grp`, `A`, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, acked)
	assert.Equal(t, 2, f.store.Len())

	stats := f.stats()
	assert.Equal(t, `orders`, stats.Name)
	assert.Equal(t, uint64(4), stats.Published)
	assert.Equal(t, 2, stats.Messages)
	assert.Equal(t, map[string]int{`grp`: 0}, stats.Pending)
}

func TestDestination_creditAndNack(t *testing.T) {
	f := newFixture(t)
	f.subscribe(`grp`, `s`, credit.ModeIndividual, 1)

	f.publish(2)
	assert.Equal(t, []delivery{{`grp`, `s`, 1}}, f.delivered)
	assert.Equal(t, map[string]int{`grp`: 1}, f.stats().Pending)

	_, err := f.dest.Ack(f.ctx, `grp`, `s`, 1)
	require.NoError(t, err)
	assert.Equal(t, []delivery{{`grp`, `s`, 1}, {`grp`, `s`, 2}}, f.delivered)
	assert.Equal(t, 1, f.store.Len())

	ok, err := f.dest.Nack(f.ctx, `grp`, `s`, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []delivery{{`grp`, `s`, 1}, {`grp`, `s`, 2}, {`grp`, `s`, 2}}, f.delivered)

	ok, err = f.dest.Nack(f.ctx, `grp`, `s`, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.dest.Ack(f.ctx, `nope`, `s`, 1)
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestDestination_referenceCounting(t *testing.T) {
	f := newFixture(t)
	f.subscribe(`g1`, `a`, credit.ModeIndividual, 5)
	f.subscribe(`g2`, `b`, credit.ModeIndividual, 5)
	f.subscribe(`g3`, `c`, credit.ModeAuto, 5)

	f.publish(1)
	assert.ElementsMatch(t, []delivery{{`g1`, `a`, 1}, {`g2`, `b`, 1}, {`g3`, `c`, 1}}, f.delivered)
	assert.Equal(t, 1, f.store.Len())

	_, err := f.dest.Ack(f.ctx, `g1`, `a`, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.dest.Ack(f.ctx, `g2`, `b`, 1)
	require.NoError(t, err)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.stats().Messages)
}

func TestDestination_noSubscriptionsDiscards(t *testing.T) {
	f := newFixture(t)
	f.publish(2)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, uint64(2), f.stats().Published)

	f.subscribe(`grp`, `s`, credit.ModeAuto, 1)
	f.publish(1)
	assert.Equal(t, []delivery{{`grp`, `s`, 3}}, f.delivered)
	assert.Zero(t, f.store.Len())
}

func TestDestination_RemoveSubscription(t *testing.T) {
	f := newFixture(t)
	var completed []error
	_, err := f.dest.AddSubscription(f.ctx, SubscribeRequest{
		ShareName: `grp`,
		SessionID: `a`,
		Mode:      credit.ModeIndividual,
		Credit:    1,
		Complete:  func(err error) { completed = append(completed, err) },
	})
	require.NoError(t, err)
	f.subscribe(`grp`, `b`, credit.ModeIndividual, 1)

	f.publish(3)
	assert.Equal(t, []string{`a`, `b`}, f.sessions())
	assert.Equal(t, map[string]int{`grp`: 1}, f.stats().Pending)

	// a's message returns to the group, b has no credit
	require.NoError(t, f.dest.RemoveSubscription(f.ctx, `grp`, `a`))
	assert.Equal(t, []error{nil}, completed)
	assert.Equal(t, map[string]int{`grp`: 2}, f.stats().Pending)

	_, err = f.dest.Ack(f.ctx, `grp`, `b`, 2)
	require.NoError(t, err)
	assert.Equal(t, []delivery{{`grp`, `a`, 1}, {`grp`, `b`, 2}, {`grp`, `b`, 1}}, f.delivered)

	// the last member closes the group, discarding its messages
	require.NoError(t, f.dest.RemoveSubscription(f.ctx, `grp`, `b`))
	assert.Empty(t, f.stats().Pending)
	assert.Zero(t, f.stats().Messages)
	assert.Zero(t, f.store.Len())
	assert.Equal(t, idset.FactoryStats{Free: f.factory.Stats().Free}, f.factory.Stats())

	assert.ErrorIs(t, f.dest.RemoveSubscription(f.ctx, `grp`, `b`), ErrUnknownSubscription)
}

func TestDestination_hibernation(t *testing.T) {
	f := newFixture(t)
	f.subscribe(`grp`, `s`, credit.ModeAuto, 1)
	require.NoError(t, f.dest.Hibernate(f.ctx, `grp`, `s`))

	f.publish(2)
	assert.Empty(t, f.delivered)

	require.NoError(t, f.dest.Wake(f.ctx, `grp`, `s`))
	assert.Equal(t, []string{`s`, `s`}, f.sessions())
}

func TestDestination_ackFromDeliverer(t *testing.T) {
	f := newFixture(t)
	f.onDeliver = func(ctx context.Context, d sharedsub.Delivery) error {
		_, err := f.dest.Ack(ctx, d.Subscription, d.Member.SessionID(), d.Message.ID)
		return err
	}
	f.subscribe(`grp`, `s`, credit.ModeIndividual, 1)

	f.publish(3)
	assert.Equal(t, []string{`s`, `s`, `s`}, f.sessions())
	assert.Zero(t, f.store.Len())
}

func TestDestination_ackFromDelivererKeepsRoundRobin(t *testing.T) {
	f := newFixture(t)
	f.subscribe(`grp`, `A`, credit.ModeIndividual, 0)
	f.subscribe(`grp`, `B`, credit.ModeIndividual, 0)
	f.subscribe(`grp`, `C`, credit.ModeIndividual, 3)
	f.publish(3)
	require.Equal(t, []string{`C`, `C`, `C`}, f.sessions())

	require.NoError(t, f.dest.SetCredit(f.ctx, `grp`, `A`, 1))
	require.NoError(t, f.dest.SetCredit(f.ctx, `grp`, `B`, 5))
	f.onDeliver = func(ctx context.Context, d sharedsub.Delivery) error {
		if d.Member.SessionID() != `A` {
			return nil
		}
		_, err := f.dest.Ack(ctx, d.Subscription, `A`, d.Message.ID)
		return err
	}
	f.delivered = nil

	// C's messages are redelivered, A's acknowledgements freeing its credit
	// mid-dispatch
	require.NoError(t, f.dest.RemoveSubscription(f.ctx, `grp`, `C`))
	assert.Equal(t, []delivery{{`grp`, `A`, 1}, {`grp`, `B`, 2}, {`grp`, `A`, 3}}, f.delivered)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, map[string]int{`grp`: 0}, f.stats().Pending)
}

func TestDestination_delivererRemovesOwnSession(t *testing.T) {
	for _, tc := range [...]struct {
		name      string
		mode      credit.Mode
		alone     bool
		delivered []delivery
	}{
		{name: `individual`, mode: credit.ModeIndividual, delivered: []delivery{{`grp`, `A`, 1}, {`grp`, `B`, 1}}},
		{name: `auto`, mode: credit.ModeAuto, delivered: []delivery{{`grp`, `A`, 1}, {`grp`, `B`, 1}}},
		{name: `individual last session`, mode: credit.ModeIndividual, alone: true, delivered: []delivery{{`grp`, `A`, 1}}},
		{name: `auto last session`, mode: credit.ModeAuto, alone: true, delivered: []delivery{{`grp`, `A`, 1}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.subscribe(`grp`, `A`, tc.mode, 5)
			if !tc.alone {
				f.subscribe(`grp`, `B`, credit.ModeIndividual, 5)
			}
			f.onDeliver = func(ctx context.Context, d sharedsub.Delivery) error {
				if d.Member.SessionID() != `A` {
					return nil
				}
				require.NoError(t, f.dest.RemoveSubscription(ctx, d.Subscription, `A`))
				return errors.New(`session gone`)
			}

			f.publish(1)
			assert.Equal(t, tc.delivered, f.delivered)

			stats := f.stats()
			if tc.alone {
				assert.Empty(t, stats.Pending)
				assert.Zero(t, stats.Messages)
				assert.Zero(t, f.store.Len())
				assert.Zero(t, f.factory.Stats().Used)
			} else {
				assert.Equal(t, map[string]int{`grp`: 0}, stats.Pending)
				assert.Equal(t, 1, stats.Messages)
				members := f.dest.registry.Get(`grp`).Members()
				require.Len(t, members, 1)
				assert.Equal(t, `B`, members[0].SessionID())
				assert.Equal(t, []uint64{1}, members[0].Controller().Outstanding())
			}
		})
	}
}

func TestDestination_selectorMissDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	_, err := f.dest.AddSubscription(f.ctx, SubscribeRequest{
		ShareName: `grp`,
		SessionID: `A`,
		Mode:      credit.ModeIndividual,
		Credit:    10,
		Selector: func(msg *Message) bool {
			_, skip := msg.Headers[`skip`]
			return !skip
		},
	})
	require.NoError(t, err)

	for _, msg := range []*Message{{Headers: map[string]string{`skip`: `1`}}, {}, {}} {
		future, err := f.dest.Publish(f.ctx, msg)
		require.NoError(t, err)
		require.NoError(t, future.Wait(f.ctx))
	}
	assert.Equal(t, []delivery{{`grp`, `A`, 2}, {`grp`, `A`, 3}}, f.delivered)
	assert.Equal(t, map[string]int{`grp`: 1}, f.stats().Pending)

	// a session that accepts it takes it
	f.subscribe(`grp`, `B`, credit.ModeIndividual, 1)
	assert.Equal(t, []delivery{{`grp`, `A`, 2}, {`grp`, `A`, 3}, {`grp`, `B`, 1}}, f.delivered)
	assert.Equal(t, map[string]int{`grp`: 0}, f.stats().Pending)
}

func TestDestination_cacheEviction(t *testing.T) {
	f := newFixture(t)
	m := f.subscribe(`grp`, `s`, credit.ModeIndividual, 0)

	// more messages than the cache holds, served from the store
	f.publish(4)
	assert.Equal(t, 4, f.store.Len())
	require.NoError(t, f.dest.SetCredit(f.ctx, `grp`, `s`, 4))
	assert.Equal(t, []uint64{1, 2, 3, 4}, m.Controller().Outstanding())
}

func TestDestination_Close(t *testing.T) {
	f := newFixture(t)
	var completed []error
	_, err := f.dest.AddSubscription(f.ctx, SubscribeRequest{
		ShareName: `grp`,
		SessionID: `s`,
		Mode:      credit.ModeIndividual,
		Credit:    1,
		Complete:  func(err error) { completed = append(completed, err) },
	})
	require.NoError(t, err)
	f.publish(2)

	require.NoError(t, f.dest.Close(f.ctx))
	assert.Equal(t, []error{sharedsub.ErrGroupClosed}, completed)
	assert.Zero(t, f.store.Len())
	require.NoError(t, f.dest.Close(f.ctx))

	future, err := f.dest.Publish(f.ctx, &Message{})
	require.NoError(t, err)
	assert.ErrorIs(t, future.Err(), scheduler.ErrCancelled)

	_, err = f.dest.AddSubscription(f.ctx, SubscribeRequest{ShareName: `grp`, SessionID: `s`})
	assert.ErrorIs(t, err, scheduler.ErrCancelled)
}

func TestNew_invalid(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	d, err := New(Config{Deliver: func(context.Context, sharedsub.Delivery) error { return nil }})
	require.NoError(t, err)
	_, err = d.Publish(context.Background(), nil)
	assert.Error(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Publish(ctx, &Message{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, d.Close(context.Background()))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, &Message{ID: 3}))
	m, err := s.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.ID)
	require.NoError(t, s.Delete(ctx, 3))
	_, err = s.Get(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}
