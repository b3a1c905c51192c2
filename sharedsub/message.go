package sharedsub

import (
	"context"
	"maps"
)

type (
	// Message is a routed message. Only the identifier is significant to a
	// group, the remainder is passed through to the [Deliverer].
	Message struct {
		Headers  map[string]string
		Body     []byte
		ID       uint64
		Priority int
	}

	// Selector filters the messages a member will accept.
	Selector func(*Message) bool

	// Delivery describes a message handed to a member.
	Delivery struct {
		Member       *Member
		Message      *Message
		Destination  string
		Subscription string
	}

	// Deliverer hands a message to a member session. An error indicates the
	// member did not take the message.
	Deliverer func(ctx context.Context, d Delivery) error

	// Asserter verifies the calling context, see scheduler.Scheduler.Assert.
	Asserter interface {
		Assert(ctx context.Context) error
	}
)

// Clone returns a copy of the message, sharing the body.
func (x *Message) Clone() *Message {
	c := *x
	c.Headers = maps.Clone(x.Headers)
	return &c
}
