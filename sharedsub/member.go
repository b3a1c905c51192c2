package sharedsub

import (
	"github.com/joeycumines/go-brokercore/credit"
)

type (
	// MemberConfig describes a session joining a group.
	MemberConfig struct {
		// Controller bounds the session's outstanding messages. Required.
		Controller credit.Controller

		// Context is opaque, passed through to the [Deliverer].
		Context any

		// Selector is optional, a nil selector accepts every message.
		Selector Selector

		// Complete is called once the member leaves the group, with nil if
		// it was removed, [ErrMemberReplaced], or [ErrGroupClosed].
		Complete func(err error)

		// SessionID identifies the member within the group. Required.
		SessionID string
	}

	// Member is a session within a group.
	Member struct {
		controller  credit.Controller
		context     any
		selector    Selector
		complete    func(err error)
		sessionID   string
		hibernating bool
	}
)

func newMember(cfg MemberConfig) *Member {
	return &Member{
		controller: cfg.Controller,
		context:    cfg.Context,
		selector:   cfg.Selector,
		complete:   cfg.Complete,
		sessionID:  cfg.SessionID,
	}
}

// SessionID identifies the member within its group.
func (x *Member) SessionID() string { return x.sessionID }

// Controller returns the member's credit controller.
func (x *Member) Controller() credit.Controller { return x.controller }

// Context returns the opaque value from [MemberConfig].
func (x *Member) Context() any { return x.context }

// Hibernating reports whether the member is inactive.
func (x *Member) Hibernating() bool { return x.hibernating }

// eligible reports whether the member may take msg.
func (x *Member) eligible(msg *Message) bool {
	return !x.hibernating &&
		(x.selector == nil || x.selector(msg)) &&
		x.controller.CanSend()
}
