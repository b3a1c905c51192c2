// Package priority implements a fixed-arity collection of FIFO bands, drained
// from the highest priority band to the lowest.
//
// A [Queue] is not safe for concurrent use. Within the broker it is either
// owned by a single scheduler domain, or guarded by the scheduler's mutex,
// when backing a priority scheduler.
package priority

import (
	"errors"
	"fmt"
	"iter"

	"github.com/joeycumines/go-brokercore/internal/fifo"
)

var (
	// ErrPriorityOutOfRange is returned when a priority is not in [0, Bands()).
	ErrPriorityOutOfRange = errors.New(`priority: out of range`)

	// ErrNoResolver is returned by operations that derive the priority from the
	// item, on a queue constructed without a resolver.
	ErrNoResolver = errors.New(`priority: unsupported operation: no priority resolver`)

	// ErrBandMismatch is returned when merging queues with different band counts.
	ErrBandMismatch = errors.New(`priority: band count mismatch`)
)

// Queue is a priority banded collection. Higher band index means higher
// priority. Items are FIFO within a band.
type Queue[T any] struct {
	resolver func(T) int
	bands    []*fifo.Chunked[T]
	size     int
}

// New initializes a Queue with the given number of bands. The resolver is
// optional, and is used by [Queue.Add] and [Queue.AddAll] to determine the
// priority of an item. A panic will occur if bands is not positive.
func New[T any](bands int, resolver func(T) int) *Queue[T] {
	if bands <= 0 {
		panic(fmt.Sprintf(`priority: invalid band count: %d`, bands))
	}
	q := Queue[T]{
		resolver: resolver,
		bands:    make([]*fifo.Chunked[T], bands),
	}
	for i := range q.bands {
		q.bands[i] = fifo.NewChunked[T]()
	}
	return &q
}

// Bands returns the number of bands, P.
func (x *Queue[T]) Bands() int {
	return len(x.bands)
}

// Push adds item to the band for priority p.
func (x *Queue[T]) Push(item T, p int) error {
	if p < 0 || p >= len(x.bands) {
		return fmt.Errorf(`%w: %d not in [0, %d)`, ErrPriorityOutOfRange, p, len(x.bands))
	}
	x.bands[p].Push(item)
	x.size++
	return nil
}

// Add pushes item using the priority given by the resolver.
func (x *Queue[T]) Add(item T) error {
	if x.resolver == nil {
		return ErrNoResolver
	}
	return x.Push(item, x.resolver(item))
}

// AddAll adds each item, re-deriving the priority per item, via the
// resolver. Items prior to the first failure remain added.
func (x *Queue[T]) AddAll(items ...T) error {
	if x.resolver == nil {
		return ErrNoResolver
	}
	for _, item := range items {
		if err := x.Push(item, x.resolver(item)); err != nil {
			return err
		}
	}
	return nil
}

// AddQueue merges other into the receiver band-for-band, preserving the
// priority each item was pushed with. The other queue is left unchanged.
func (x *Queue[T]) AddQueue(other *Queue[T]) error {
	if len(other.bands) != len(x.bands) {
		return fmt.Errorf(`%w: %d != %d`, ErrBandMismatch, len(other.bands), len(x.bands))
	}
	if other == x {
		// snapshot, or we would iterate forever
		items := make([][]T, len(x.bands))
		for p, band := range x.bands {
			for item := range band.All() {
				items[p] = append(items[p], item)
			}
		}
		for p := range items {
			for _, item := range items[p] {
				x.bands[p].Push(item)
			}
		}
	} else {
		for p, band := range other.bands {
			for item := range band.All() {
				x.bands[p].Push(item)
			}
		}
	}
	x.Recalculate()
	return nil
}

// Poll removes and returns the head of the highest priority non-empty band.
func (x *Queue[T]) Poll() (T, bool) {
	if x.size != 0 {
		for p := len(x.bands) - 1; p >= 0; p-- {
			if item, ok := x.bands[p].Pop(); ok {
				x.size--
				return item, true
			}
		}
	}
	var zero T
	return zero, false
}

// PollWithPriority behaves like Poll, also returning the band the item came
// from.
func (x *Queue[T]) PollWithPriority() (T, int, bool) {
	if x.size != 0 {
		for p := len(x.bands) - 1; p >= 0; p-- {
			if item, ok := x.bands[p].Pop(); ok {
				x.size--
				return item, p, true
			}
		}
	}
	var zero T
	return zero, -1, false
}

// Peek returns the item Poll would return, without removing it.
func (x *Queue[T]) Peek() (T, bool) {
	if x.size != 0 {
		for p := len(x.bands) - 1; p >= 0; p-- {
			if item, ok := x.bands[p].Peek(); ok {
				return item, true
			}
		}
	}
	var zero T
	return zero, false
}

// Len returns the live item count, which is maintained incrementally.
func (x *Queue[T]) Len() int {
	return x.size
}

// IsEmpty is equivalent to Len() == 0.
func (x *Queue[T]) IsEmpty() bool {
	return x.size == 0
}

// BandLen returns the number of items in band p, or 0 if p is out of range.
func (x *Queue[T]) BandLen(p int) int {
	if p < 0 || p >= len(x.bands) {
		return 0
	}
	return x.bands[p].Len()
}

// Recalculate recomputes the live count from the bands, returning it.
func (x *Queue[T]) Recalculate() int {
	var n int
	for _, band := range x.bands {
		n += band.Len()
	}
	x.size = n
	return n
}

// All iterates (priority, item) pairs, from the highest band to the lowest,
// FIFO within each band.
func (x *Queue[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for p := len(x.bands) - 1; p >= 0; p-- {
			for item := range x.bands[p].All() {
				if !yield(p, item) {
					return
				}
			}
		}
	}
}

// RemoveIf removes every item for which remove returns true, returning the
// number removed.
func (x *Queue[T]) RemoveIf(remove func(T) bool) int {
	var n int
	for _, band := range x.bands {
		n += band.Filter(func(item T) bool { return !remove(item) })
	}
	x.Recalculate()
	return n
}

// Clear drops every item.
func (x *Queue[T]) Clear() {
	for _, band := range x.bands {
		band.Clear()
	}
	x.size = 0
}
