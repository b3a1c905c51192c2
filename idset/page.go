package idset

import (
	"iter"
)

// NoOwner is the owner label carried by pages on the free list.
const NoOwner = ^uint64(0)

// Page is a window of identifiers, allocated to an owner by a [Factory].
// Mutations of a durable page are written through to its backend, and any
// I/O failure is returned to the caller, with the in-memory bit reverted.
//
// Pages are not safe for concurrent use, except that the factory serializes
// backend I/O across pages.
type Page interface {
	OwnerID() uint64
	Start() uint64
	End() uint64
	WindowSize() uint64

	// Set marks id, failing with ErrOutOfWindow if it is outside the page.
	Set(id uint64) error
	// Clear unmarks id, failing with ErrOutOfWindow if it is outside the page.
	Clear(id uint64) error
	IsSet(id uint64) bool

	// NextSetBit returns the lowest marked identifier >= from.
	NextSetBit(from uint64) (uint64, bool)
	// NextSetBitAndClear returns and clears the lowest marked identifier >=
	// from.
	NextSetBitAndClear(from uint64) (uint64, bool, error)

	Cardinality() int
	IsEmpty() bool

	// And, Or, Xor and AndNot combine other into the receiver, positionally.
	// The window start of other is ignored.
	And(other Page) error
	Or(other Page) error
	Xor(other Page) error
	AndNot(other Page) error

	// Ascending iterates the marked identifiers in ascending order.
	Ascending() iter.Seq[uint64]
	// Each calls fn per marked identifier until it returns false.
	Each(fn func(id uint64) bool)

	bitSet() *OffsetBitSet
}

type page struct {
	factory *PageFactory
	bits    *OffsetBitSet
	slot    int64
	owner   uint64
}

var _ Page = (*page)(nil)

func (x *page) OwnerID() uint64 { return x.owner }
func (x *page) Start() uint64 { return x.bits.Start() }
func (x *page) End() uint64 { return x.bits.End() }
func (x *page) WindowSize() uint64 { return x.bits.WindowSize() }
func (x *page) IsSet(id uint64) bool {
	return x.bits.IsSet(id)
}
func (x *page) NextSetBit(from uint64) (uint64, bool) {
	return x.bits.NextSetBit(from)
}
func (x *page) Cardinality() int { return x.bits.Cardinality() }
func (x *page) IsEmpty() bool { return x.bits.IsEmpty() }
func (x *page) Ascending() iter.Seq[uint64] { return x.bits.Ascending() }
func (x *page) Each(fn func(id uint64) bool) { x.bits.Each(fn) }
func (x *page) bitSet() *OffsetBitSet { return x.bits }

func (x *page) Set(id uint64) error {
	changed, err := x.bits.Set(id)
	if err != nil || !changed {
		return err
	}
	if err := x.factory.persistWord(x, id); err != nil {
		_, _ = x.bits.Clear(id)
		return err
	}
	return nil
}

func (x *page) Clear(id uint64) error {
	changed, err := x.bits.Clear(id)
	if err != nil || !changed {
		return err
	}
	if err := x.factory.persistWord(x, id); err != nil {
		_, _ = x.bits.Set(id)
		return err
	}
	return nil
}

func (x *page) NextSetBitAndClear(from uint64) (uint64, bool, error) {
	id, ok := x.bits.NextSetBitAndClear(from)
	if !ok {
		return 0, false, nil
	}
	if err := x.factory.persistWord(x, id); err != nil {
		_, _ = x.bits.Set(id)
		return 0, false, err
	}
	return id, true, nil
}

func (x *page) And(other Page) error { return x.combine(other, (*OffsetBitSet).And) }
func (x *page) Or(other Page) error { return x.combine(other, (*OffsetBitSet).Or) }
func (x *page) Xor(other Page) error { return x.combine(other, (*OffsetBitSet).Xor) }
func (x *page) AndNot(other Page) error { return x.combine(other, (*OffsetBitSet).AndNot) }

func (x *page) combine(other Page, op func(*OffsetBitSet, *OffsetBitSet) error) error {
	if other == nil {
		return ErrWindowMismatch
	}
	var prev []uint64
	if x.factory.durable {
		prev = append(prev, x.bits.words()...)
	}
	if err := op(x.bits, other.bitSet()); err != nil {
		return err
	}
	if err := x.factory.persistWords(x); err != nil {
		copy(x.bits.words(), prev)
		return err
	}
	return nil
}
