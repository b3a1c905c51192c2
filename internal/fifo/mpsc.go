package fifo

import (
	"runtime"
	"sync/atomic"
)

// node is a node in the lock-free MPSC queue.
type node[T any] struct {
	next atomic.Pointer[node[T]]
	item T
}

// MPSC is a lock-free multi-producer single-consumer queue.
//
// Design: Intrusive linked list with stub node.
// Producers: Atomic swap of tail pointer, then link previous.
// Consumer: Walk from head, the popped node becomes the new stub.
type MPSC[T any] struct { // betteralign:ignore
	_    [64]byte                // Cache line padding //nolint:unused
	head atomic.Pointer[node[T]] // Consumer reads from head
	_    [56]byte                // Pad to cache line //nolint:unused
	tail atomic.Pointer[node[T]] // Producers swap tail
	_    [56]byte                // Pad to cache line //nolint:unused
	len  atomic.Int64            // Queue length (approximate)
}

// NewMPSC creates a new lock-free MPSC queue.
func NewMPSC[T any]() *MPSC[T] {
	q := &MPSC[T]{}
	stub := new(node[T])
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Push adds an item to the queue (safe for multiple producers).
func (q *MPSC[T]) Push(item T) {
	n := &node[T]{item: item}

	// Atomically swap tail, linking previous tail to new node
	prev := q.tail.Swap(n)
	prev.next.Store(n) // Linearization point

	q.len.Add(1)
}

// Pop removes and returns an item from the queue (single consumer only).
// Returns false if the queue is empty, or a producer has not yet linked its
// node.
func (q *MPSC[T]) Pop() (T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}

	item := next.item
	var zero T
	next.item = zero // Clear for GC
	q.head.Store(next)

	q.len.Add(-1)
	return item, true
}

// PopWait behaves like Pop, but spins while a producer is mid-push, i.e. the
// tail has been claimed but not yet linked. It only returns false if the
// queue is truly empty.
func (q *MPSC[T]) PopWait() (T, bool) {
	for {
		if item, ok := q.Pop(); ok {
			return item, true
		}
		// Producer claimed the tail but hasn't linked yet. Spin and retry.
		if q.head.Load() == q.tail.Load() {
			var zero T
			return zero, false
		}
		runtime.Gosched()
	}
}

// Len returns the approximate number of queued items.
func (q *MPSC[T]) Len() int {
	return int(q.len.Load())
}
