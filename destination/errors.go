package destination

import (
	"errors"
)

var (
	// ErrNotFound is returned by a [MessageStore] for a missing message.
	ErrNotFound = errors.New(`destination: message not found`)

	// ErrUnknownSubscription is returned for a share name with no group.
	ErrUnknownSubscription = errors.New(`destination: unknown subscription`)

	// ErrInvalidConfig is returned by [New] for an incomplete config.
	ErrInvalidConfig = errors.New(`destination: invalid config`)
)
