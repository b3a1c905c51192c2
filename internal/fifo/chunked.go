// Package fifo provides the FIFO queues backing priority bands and scheduler
// domains.
package fifo

import (
	"iter"
	"sync"
)

// chunkSize is the number of items per node in the Chunked linked list.
const chunkSize = 128

// Chunked is a chunked linked-list FIFO queue.
//
// Thread Safety: This struct is NOT thread-safe.
// The caller must provide external synchronization, e.g. by only touching it
// from a single scheduler domain.
type Chunked[T any] struct { // betteralign:ignore
	head   *chunk[T]
	tail   *chunk[T]
	pool   *sync.Pool
	length int
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int // first unread slot
	pos     int // first unused slot
}

// NewChunked creates a new, empty, chunked queue.
func NewChunked[T any]() *Chunked[T] {
	return &Chunked[T]{pool: &sync.Pool{New: func() any { return new(chunk[T]) }}}
}

func (q *Chunked[T]) newChunk() *chunk[T] {
	if q.pool == nil {
		return new(chunk[T])
	}
	c := q.pool.Get().(*chunk[T])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any remaining slots, so the pool does not retain items.
func (q *Chunked[T]) returnChunk(c *chunk[T]) {
	var zero T
	for i := 0; i < c.pos; i++ {
		c.items[i] = zero
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	if q.pool != nil {
		q.pool.Put(c)
	}
}

// Push appends an item to the tail of the queue.
func (q *Chunked[T]) Push(item T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.items) {
		next := q.newChunk()
		q.tail.next = next
		q.tail = next
	}

	q.tail.items[q.tail.pos] = item
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head of the queue, or false if it is empty.
func (q *Chunked[T]) Pop() (T, bool) {
	var zero T
	if !q.advance() {
		return zero, false
	}

	item := q.head.items[q.head.readPos]
	q.head.items[q.head.readPos] = zero
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			q.returnChunk(old)
		}
	}

	return item, true
}

// Peek returns the head of the queue without removing it.
func (q *Chunked[T]) Peek() (T, bool) {
	if !q.advance() {
		var zero T
		return zero, false
	}
	return q.head.items[q.head.readPos], true
}

// advance skips exhausted chunks, returning false if the queue is empty.
func (q *Chunked[T]) advance() bool {
	for q.head != nil && q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return false
		}
		old := q.head
		q.head = q.head.next
		q.returnChunk(old)
	}
	return q.head != nil
}

// Len returns the number of queued items.
func (q *Chunked[T]) Len() int {
	return q.length
}

// All iterates the queued items in FIFO order, without removing them.
func (q *Chunked[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for c := q.head; c != nil; c = c.next {
			for i := c.readPos; i < c.pos; i++ {
				if !yield(c.items[i]) {
					return
				}
			}
		}
	}
}

// Clear drops every queued item.
func (q *Chunked[T]) Clear() {
	for c := q.head; c != nil; {
		next := c.next
		q.returnChunk(c)
		c = next
	}
	q.head = nil
	q.tail = nil
	q.length = 0
}

// Filter keeps only the items for which keep returns true, preserving order,
// and returns the number of items removed.
func (q *Chunked[T]) Filter(keep func(T) bool) int {
	var removed int
	kept := make([]T, 0, q.length)
	for item := range q.All() {
		if keep(item) {
			kept = append(kept, item)
		} else {
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	q.Clear()
	for _, item := range kept {
		q.Push(item)
	}
	return removed
}
