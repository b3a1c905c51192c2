package broker

import (
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/sugawarayuuta/sonnet"
)

// Page store kinds.
const (
	PageStoreMemory = `memory`
	PageStoreFile   = `file`
	PageStoreSQLite = `sqlite`
)

type (
	// Config is the JSON configuration of a Broker, see [LoadConfig].
	Config struct {
		PageStore PageStoreConfig `json:"pageStore"`

		Scheduler SchedulerConfig `json:"scheduler"`

		// LogLevel is the minimum level logged by the default logger, e.g.
		// "info" or "debug".
		LogLevel string `json:"logLevel"`

		// CacheSize is the number of message bodies cached per destination.
		CacheSize int `json:"cacheSize"`
	}

	// PageStoreConfig selects where identifier set pages are kept.
	PageStoreConfig struct {
		// Kind is one of "memory", "file", or "sqlite".
		Kind string `json:"kind"`

		// Path is the file or database path, for persistent kinds.
		Path string `json:"path"`

		// SyncInterval bounds how long syncs of a file store are coalesced,
		// as a duration string, e.g. "1ms".
		SyncInterval string `json:"syncInterval"`

		// WindowSize is the number of identifiers per page, a multiple of 64.
		WindowSize uint64 `json:"windowSize"`

		// SyncBatchSize is the number of sync requests that triggers an
		// immediate flush, for a file store.
		SyncBatchSize int `json:"syncBatchSize"`
	}

	SchedulerConfig struct {
		// ExternalBudget is the number of tasks a submitter runs inline.
		ExternalBudget int `json:"externalBudget"`

		// DomainChecks enables verification that components are only
		// accessed from within their scheduler.
		DomainChecks bool `json:"domainChecks"`
	}
)

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		PageStore: PageStoreConfig{
			Kind:          PageStoreMemory,
			SyncInterval:  `1ms`,
			WindowSize:    1024,
			SyncBatchSize: 64,
		},
		Scheduler: SchedulerConfig{
			ExternalBudget: 16,
		},
		LogLevel:  `info`,
		CacheSize: 1024,
	}
}

// LoadConfig decodes a JSON config, applying defaults to omitted fields.
func LoadConfig(r io.Reader) (Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := sonnet.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf(`broker: decode config: %w`, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config is usable.
func (x Config) Validate() error {
	switch x.PageStore.Kind {
	case PageStoreMemory:
	case PageStoreFile, PageStoreSQLite:
		if x.PageStore.Path == `` {
			return fmt.Errorf(`%w: page store %q requires a path`, ErrInvalidConfig, x.PageStore.Kind)
		}
	default:
		return fmt.Errorf(`%w: unknown page store %q`, ErrInvalidConfig, x.PageStore.Kind)
	}
	if ws := x.PageStore.WindowSize; ws == 0 || ws%64 != 0 {
		return fmt.Errorf(`%w: window size %d`, ErrInvalidConfig, ws)
	}
	if _, err := x.syncInterval(); err != nil {
		return err
	}
	if x.PageStore.SyncBatchSize <= 0 {
		return fmt.Errorf(`%w: sync batch size %d`, ErrInvalidConfig, x.PageStore.SyncBatchSize)
	}
	if x.Scheduler.ExternalBudget <= 0 {
		return fmt.Errorf(`%w: external budget %d`, ErrInvalidConfig, x.Scheduler.ExternalBudget)
	}
	if _, err := ParseLevel(x.LogLevel); err != nil {
		return err
	}
	return nil
}

func (x Config) syncInterval() (time.Duration, error) {
	d, err := time.ParseDuration(x.PageStore.SyncInterval)
	if err != nil || d < 0 {
		return 0, fmt.Errorf(`%w: sync interval %q`, ErrInvalidConfig, x.PageStore.SyncInterval)
	}
	return d, nil
}

// ParseLevel parses the name of a log level, as returned by
// [logiface.Level.String].
func ParseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf(`%w: log level %q`, ErrInvalidConfig, s)
}
