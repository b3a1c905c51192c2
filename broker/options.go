package broker

import (
	"io"
	"os"

	"github.com/joeycumines/go-brokercore/sharedsub"
	"github.com/joeycumines/logiface"
)

type brokerOptions struct {
	deliver   sharedsub.Deliverer
	logger    *logiface.Logger[logiface.Event]
	logWriter io.Writer
}

// Option configures a Broker.
type Option interface {
	applyBroker(*brokerOptions) error
}

type brokerOptionImpl struct {
	applyBrokerFunc func(*brokerOptions) error
}

func (x *brokerOptionImpl) applyBroker(opts *brokerOptions) error {
	return x.applyBrokerFunc(opts)
}

// WithDeliverer sets the callback handing messages to sessions. Required.
func WithDeliverer(deliver sharedsub.Deliverer) Option {
	return &brokerOptionImpl{func(opts *brokerOptions) error {
		opts.deliver = deliver
		return nil
	}}
}

// WithLogger replaces the default JSON logger. The configured log level is
// not applied.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &brokerOptionImpl{func(opts *brokerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogWriter sets the output of the default logger, which is stderr.
func WithLogWriter(w io.Writer) Option {
	return &brokerOptionImpl{func(opts *brokerOptions) error {
		opts.logWriter = w
		return nil
	}}
}

func resolveOptions(opts []Option) (*brokerOptions, error) {
	cfg := &brokerOptions{logWriter: os.Stderr}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBroker(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
