// Package credit implements per-session flow control, bounding the number of
// delivered but unacknowledged messages.
package credit

import (
	"errors"
	"fmt"
	"io"

	"github.com/joeycumines/go-brokercore/idset"
)

// DefaultWindowSize is the page size of the identifier sets created for
// windows that are not given a factory.
const DefaultWindowSize = 1024

// ErrInvalidMode is returned for an unknown acknowledgement mode.
var ErrInvalidMode = errors.New(`credit: invalid acknowledgement mode`)

type (
	// Controller tracks the outstanding messages of a single consumer.
	// Implementations are not safe for concurrent use.
	Controller interface {
		// CanSend reports whether another message may be delivered.
		CanSend() bool

		// Sent records the delivery of id.
		Sent(id uint64) error

		// Ack acknowledges id, returning every identifier it acknowledged,
		// which depends on the mode.
		Ack(id uint64) ([]uint64, error)

		// Rollback releases the claim on id, returning true if it was
		// outstanding. The caller is responsible for redelivery.
		Rollback(id uint64) (bool, error)

		// Outstanding returns the unacknowledged identifiers, ascending.
		Outstanding() []uint64

		// SetMaxOutstanding resizes the window. Zero stops delivery.
		SetMaxOutstanding(n int)

		MaxOutstanding() int

		// Type is the name of the acknowledgement mode.
		Type() string
	}

	// Mode is an acknowledgement mode.
	Mode int

	// Window is the default [Controller], tracking outstanding identifiers in
	// an [idset.Queue].
	Window struct {
		outstanding *idset.Queue
		onChange    func()
		mode        Mode
		max         int
		count       int
	}
)

const (
	// ModeAuto treats messages as acknowledged once sent.
	ModeAuto Mode = iota
	// ModeClient acknowledges cumulatively, i.e. acknowledging an identifier
	// also acknowledges every outstanding identifier before it.
	ModeClient
	// ModeIndividual acknowledges each identifier separately.
	ModeIndividual
)

var _ Controller = (*Window)(nil)

// String returns the name of the mode, as accepted by [ParseMode].
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeClient:
		return "client"
	case ModeIndividual:
		return "individual"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the name of a mode, as returned by [Mode.String].
func ParseMode(s string) (Mode, error) {
	for _, m := range [...]Mode{ModeAuto, ModeClient, ModeIndividual} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf(`%w: %q`, ErrInvalidMode, s)
}

// NewWindow initializes a Window permitting up to max outstanding messages.
func NewWindow(mode Mode, max int, opts ...Option) (*Window, error) {
	if mode < ModeAuto || mode > ModeIndividual {
		return nil, fmt.Errorf(`%w: %d`, ErrInvalidMode, int(mode))
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.factory == nil {
		cfg.factory = idset.NewMemoryFactory(DefaultWindowSize)
	}
	return &Window{
		outstanding: idset.NewQueue(cfg.factory, cfg.ownerID),
		onChange:    cfg.onChange,
		mode:        mode,
		max:         max,
	}, nil
}

// CanSend reports whether fewer than the maximum identifiers are outstanding.
func (x *Window) CanSend() bool {
	return x.count < x.max
}

// Sent records id as outstanding. It is a no-op in [ModeAuto], or if id is
// already outstanding.
func (x *Window) Sent(id uint64) error {
	if x.mode == ModeAuto || x.outstanding.Contains(id) {
		return nil
	}
	if err := x.outstanding.Add(id); err != nil {
		return err
	}
	x.count++
	return nil
}

// Ack acknowledges id, or every outstanding identifier up to and including
// id in [ModeClient].
func (x *Window) Ack(id uint64) (acked []uint64, err error) {
	switch x.mode {
	case ModeClient:
		for {
			next, ok := x.outstanding.Peek()
			if !ok || next > id {
				break
			}
			if _, _, err = x.outstanding.Poll(); err != nil {
				break
			}
			acked = append(acked, next)
		}
	case ModeIndividual:
		var removed bool
		if removed, err = x.outstanding.Remove(id); removed {
			acked = append(acked, id)
		}
	}
	x.count -= len(acked)
	if len(acked) != 0 {
		x.changed()
	}
	return acked, err
}

// Rollback releases the claim on id, returning false if it was not
// outstanding.
func (x *Window) Rollback(id uint64) (bool, error) {
	removed, err := x.outstanding.Remove(id)
	if removed {
		x.count--
		x.changed()
	}
	return removed, err
}

// Outstanding returns the outstanding identifiers, ascending.
func (x *Window) Outstanding() []uint64 {
	ids := make([]uint64, 0, x.count)
	for id := range x.outstanding.Ascending() {
		ids = append(ids, id)
	}
	return ids
}

// SetMaxOutstanding resizes the window. Identifiers already outstanding
// are retained.
func (x *Window) SetMaxOutstanding(n int) {
	if n == x.max {
		return
	}
	x.max = n
	x.changed()
}

// MaxOutstanding returns the window size.
func (x *Window) MaxOutstanding() int { return x.max }

// Type returns the name of the acknowledgement mode.
func (x *Window) Type() string { return x.mode.String() }

// Mode returns the acknowledgement mode.
func (x *Window) Mode() Mode { return x.mode }

// Close returns the pages tracking outstanding identifiers to their factory.
// Outstanding identifiers are discarded.
func (x *Window) Close() error {
	x.count = 0
	return x.outstanding.Delete()
}

var _ io.Closer = (*Window)(nil)

func (x *Window) changed() {
	if x.onChange != nil {
		x.onChange()
	}
}
