// Package broker is the composition root of the delivery core, managing the
// page store shared by every destination.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-brokercore/destination"
	"github.com/joeycumines/go-brokercore/idset"
	"github.com/joeycumines/go-brokercore/scheduler"
	"github.com/joeycumines/go-brokercore/sharedsub"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

var (
	// ErrInvalidConfig is returned for an unusable [Config].
	ErrInvalidConfig = errors.New(`broker: invalid config`)

	// ErrClosed is returned by operations on a closed Broker.
	ErrClosed = errors.New(`broker: closed`)
)

// Broker owns the destinations of a process. It is safe for concurrent use.
type Broker struct {
	factory      *idset.PageFactory
	db           *sql.DB
	deliver      sharedsub.Deliverer
	logger       *logiface.Logger[logiface.Event]
	destinations map[string]*destination.Destination
	cfg          Config
	owners       atomic.Uint64
	mu           sync.Mutex
	closed       bool
}

// New initializes a Broker, opening the configured page store. Pages left by
// a previous process are released, as message bodies are not persisted.
func New(cfg Config, opts ...Option) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.deliver == nil {
		return nil, fmt.Errorf(`%w: a deliverer is required`, ErrInvalidConfig)
	}

	x := &Broker{
		deliver:      o.deliver,
		logger:       o.logger,
		destinations: make(map[string]*destination.Destination),
		cfg:          cfg,
	}
	if x.logger == nil {
		level, _ := ParseLevel(cfg.LogLevel)
		x.logger = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(o.logWriter)),
			stumpy.L.WithLevel(level),
		).Logger()
	}

	if err := x.openPageStore(); err != nil {
		return nil, err
	}

	if owners := x.factory.OwnerIDs(); len(owners) != 0 {
		for _, owner := range owners {
			err = multierr.Append(err, x.factory.Release(owner))
		}
		if err != nil {
			return nil, multierr.Append(err, x.closeStore())
		}
		x.logger.Info().
			Str(`kind`, cfg.PageStore.Kind).
			Int(`owners`, len(owners)).
			Log(`broker: released pages of a previous process`)
	}

	x.logger.Info().
		Str(`kind`, cfg.PageStore.Kind).
		Uint64(`window_size`, cfg.PageStore.WindowSize).
		Log(`broker: started`)

	return x, nil
}

func (x *Broker) openPageStore() (err error) {
	ps := x.cfg.PageStore
	interval, _ := x.cfg.syncInterval()
	opts := []idset.Option{
		idset.WithLogger(x.logger),
		idset.WithSyncBatching(ps.SyncBatchSize, interval),
	}
	switch ps.Kind {
	case PageStoreFile:
		x.factory, err = idset.OpenFileFactory(ps.Path, ps.WindowSize, opts...)
	case PageStoreSQLite:
		if x.db, err = sql.Open(`sqlite3`, ps.Path); err != nil {
			return err
		}
		if x.factory, err = idset.OpenSQLFactory(x.db, ps.WindowSize, opts...); err != nil {
			err = multierr.Append(err, x.db.Close())
		}
	default:
		x.factory = idset.NewMemoryFactory(ps.WindowSize, opts...)
	}
	return
}

// Destination returns the named destination, creating it if necessary.
func (x *Broker) Destination(name string) (*destination.Destination, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, ErrClosed
	}
	if d := x.destinations[name]; d != nil {
		return d, nil
	}

	d, err := destination.New(destination.Config{
		Deliver:  x.deliver,
		Factory:  x.factory,
		OwnerIDs: func() uint64 { return x.owners.Add(1) },
		Logger:   x.logger,
		Name:     name,
		SchedulerOptions: []scheduler.Option{
			scheduler.WithExternalBudget(x.cfg.Scheduler.ExternalBudget),
			scheduler.WithDomainChecks(x.cfg.Scheduler.DomainChecks),
			scheduler.WithLogger(x.logger),
		},
		CacheSize: x.cfg.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	x.destinations[name] = d

	x.logger.Debug().
		Str(`destination`, name).
		Log(`broker: destination created`)

	return d, nil
}

// Names returns the names of the destinations, sorted.
func (x *Broker) Names() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Sorted(maps.Keys(x.destinations))
}

// Factory returns the page factory shared by every destination.
func (x *Broker) Factory() *idset.PageFactory { return x.factory }

// Sync flushes the page store.
func (x *Broker) Sync(ctx context.Context) error {
	return x.factory.Sync(ctx)
}

// Close closes every destination, then the page store.
func (x *Broker) Close(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	destinations := x.destinations
	x.destinations = nil
	x.mu.Unlock()

	var err error
	for _, name := range slices.Sorted(maps.Keys(destinations)) {
		err = multierr.Append(err, destinations[name].Close(ctx))
	}
	err = multierr.Append(err, x.closeStore())

	x.logger.Info().
		Int(`destinations`, len(destinations)).
		Bool(`ok`, err == nil).
		Log(`broker: closed`)

	return err
}

func (x *Broker) closeStore() error {
	err := x.factory.Close()
	if x.db != nil {
		err = multierr.Append(err, x.db.Close())
	}
	return err
}
