package idset

import (
	"errors"
	"os"
	"time"

	"github.com/joeycumines/logiface"
)

// factoryOptions holds configuration options for factory creation.
type factoryOptions struct {
	logger            *logiface.Logger[logiface.Event]
	syncMaxSize       int
	syncFlushInterval time.Duration
	fileMode          os.FileMode
}

// Option configures a factory.
type Option interface {
	applyFactory(*factoryOptions) error
}

// factoryOptionImpl implements Option.
type factoryOptionImpl struct {
	applyFactoryFunc func(*factoryOptions) error
}

func (x *factoryOptionImpl) applyFactory(opts *factoryOptions) error {
	return x.applyFactoryFunc(opts)
}

// WithLogger configures structured logging. A nil logger disables it.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &factoryOptionImpl{func(opts *factoryOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithSyncBatching configures how concurrent [PageFactory.Sync] calls are
// coalesced, for file backed factories. A flush occurs once maxSize callers
// are waiting, or flushInterval after the first.
func WithSyncBatching(maxSize int, flushInterval time.Duration) Option {
	return &factoryOptionImpl{func(opts *factoryOptions) error {
		if maxSize <= 0 || flushInterval < 0 {
			return errors.New(`idset: invalid sync batching`)
		}
		opts.syncMaxSize = maxSize
		opts.syncFlushInterval = flushInterval
		return nil
	}}
}

// WithFileMode sets the permissions used when creating a page file.
func WithFileMode(mode os.FileMode) Option {
	return &factoryOptionImpl{func(opts *factoryOptions) error {
		opts.fileMode = mode
		return nil
	}}
}

// resolveOptions applies Option instances to factoryOptions.
func resolveOptions(opts []Option) (*factoryOptions, error) {
	cfg := &factoryOptions{
		syncMaxSize:       64,
		syncFlushInterval: time.Millisecond,
		fileMode:          0o644,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyFactory(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
