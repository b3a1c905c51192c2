package destination

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-brokercore/sharedsub"
)

type (
	// MessageStore persists message bodies, by identifier.
	MessageStore interface {
		Put(ctx context.Context, msg *sharedsub.Message) error

		// Get returns [ErrNotFound] if the message is not stored.
		Get(ctx context.Context, id uint64) (*sharedsub.Message, error)

		Delete(ctx context.Context, id uint64) error
	}

	// MemoryStore is an in-memory [MessageStore], safe for concurrent use.
	MemoryStore struct {
		messages map[uint64]*sharedsub.Message
		mu       sync.RWMutex
	}
)

var _ MessageStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[uint64]*sharedsub.Message)}
}

// Put stores msg, replacing any message with the same identifier.
func (x *MemoryStore) Put(_ context.Context, msg *sharedsub.Message) error {
	x.mu.Lock()
	x.messages[msg.ID] = msg
	x.mu.Unlock()
	return nil
}

// Get returns the message with identifier id, or [ErrNotFound].
func (x *MemoryStore) Get(_ context.Context, id uint64) (*sharedsub.Message, error) {
	x.mu.RLock()
	msg, ok := x.messages[id]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf(`%w: %d`, ErrNotFound, id)
	}
	return msg, nil
}

// Delete removes the message with identifier id, if present.
func (x *MemoryStore) Delete(_ context.Context, id uint64) error {
	x.mu.Lock()
	delete(x.messages, id)
	x.mu.Unlock()
	return nil
}

// Len returns the number of stored messages.
func (x *MemoryStore) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.messages)
}
