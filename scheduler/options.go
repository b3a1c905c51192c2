package scheduler

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultExternalBudget is the number of tasks a submitter executes inline,
// before the scheduler offloads to a dedicated goroutine.
const DefaultExternalBudget = 16

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger         *logiface.Logger[logiface.Event]
	logRates       map[time.Duration]int
	externalBudget int
	domainChecks   bool
}

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements Option.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (x *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return x.applySchedulerFunc(opts)
}

// WithExternalBudget sets the maximum number of tasks executed inline by a
// submitter. Must be positive.
func WithExternalBudget(budget int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if budget <= 0 {
			return fmt.Errorf(`scheduler: invalid external budget: %d`, budget)
		}
		opts.externalBudget = budget
		return nil
	}}
}

// WithDomainChecks enables [Scheduler.Assert]. When disabled (default), Assert
// always succeeds.
func WithDomainChecks(enabled bool) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.domainChecks = enabled
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables it.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRates limits the frequency of repetitive log events, such as
// offloading, per category, see github.com/joeycumines/go-catrate. A nil map
// disables the limit.
func WithLogRates(rates map[time.Duration]int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logRates = rates
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		externalBudget: DefaultExternalBudget,
		logRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
