package sharedsub

import (
	"errors"
)

var (
	// ErrGroupClosed is returned by operations on a closed group, and passed
	// to the completion callback of members still present when it closed.
	ErrGroupClosed = errors.New(`sharedsub: group closed`)

	// ErrUnknownMember is returned when no member has the session id.
	ErrUnknownMember = errors.New(`sharedsub: unknown member`)

	// ErrMemberReplaced is passed to the completion callback of a member that
	// was replaced by a subscription with the same session id.
	ErrMemberReplaced = errors.New(`sharedsub: member replaced`)

	// ErrGroupExists is returned by [Registry.Create] for a duplicate name.
	ErrGroupExists = errors.New(`sharedsub: group already exists`)

	// ErrUnknownGroup is returned by [Registry.Remove] for a missing name.
	ErrUnknownGroup = errors.New(`sharedsub: unknown group`)

	// ErrInvalidConfig is returned for a group or member configuration
	// missing a required field.
	ErrInvalidConfig = errors.New(`sharedsub: invalid config`)

	// ErrDispatching is returned by [Group.Dispatch] if called while the
	// group is already dispatching, i.e. from within the deliverer.
	ErrDispatching = errors.New(`sharedsub: dispatch already in progress`)
)
