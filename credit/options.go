package credit

import (
	"github.com/joeycumines/go-brokercore/idset"
)

type windowOptions struct {
	factory  idset.Factory
	onChange func()
	ownerID  uint64
}

// Option configures a Window.
type Option interface {
	applyWindow(*windowOptions) error
}

type windowOptionImpl struct {
	applyWindowFunc func(*windowOptions) error
}

func (x *windowOptionImpl) applyWindow(opts *windowOptions) error {
	return x.applyWindowFunc(opts)
}

// WithFactory allocates the pages tracking outstanding identifiers from
// factory, labeled with ownerID, which must be unique within the factory.
func WithFactory(factory idset.Factory, ownerID uint64) Option {
	return &windowOptionImpl{func(opts *windowOptions) error {
		opts.factory = factory
		opts.ownerID = ownerID
		return nil
	}}
}

// WithOnChange registers fn to be called whenever credit may have become
// available, i.e. on acknowledgement, rollback, or resize.
func WithOnChange(fn func()) Option {
	return &windowOptionImpl{func(opts *windowOptions) error {
		opts.onChange = fn
		return nil
	}}
}

func resolveOptions(opts []Option) (*windowOptions, error) {
	cfg := &windowOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyWindow(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
