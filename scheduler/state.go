package scheduler

import (
	"sync/atomic"
)

// State is a snapshot of what a scheduler is doing.
type State uint64

const (
	// StateIdle indicates no task is queued or running.
	StateIdle State = iota
	// StateRunning indicates tasks are executing inline, on the goroutine of
	// the submitter that found the scheduler idle.
	StateRunning
	// StateOffloaded indicates tasks are executing on a dedicated goroutine,
	// after the inline budget was exhausted.
	StateOffloaded
	// StateShutdown indicates Shutdown has been called.
	StateShutdown
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateOffloaded:
		return "Offloaded"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// fastState records the mode of the current executor.
type fastState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

func (s *fastState) Load() State {
	return State(s.v.Load())
}

func (s *fastState) Store(state State) {
	s.v.Store(uint64(state))
}
