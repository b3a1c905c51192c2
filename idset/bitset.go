package idset

import (
	"fmt"
	"iter"

	"github.com/bits-and-blooms/bitset"
)

// OffsetBitSet maps the global identifier range [start, start+windowSize)
// onto the bit positions of a fixed-size bit vector.
//
// Thread Safety: This struct is NOT thread-safe.
type OffsetBitSet struct {
	bits  *bitset.BitSet
	start uint64
	size  uint64
}

// NewOffsetBitSet returns an empty set covering the window starting at
// start. The start must be a multiple of windowSize, which must be a positive
// multiple of 64.
func NewOffsetBitSet(start, windowSize uint64) (*OffsetBitSet, error) {
	if err := validateWindow(windowSize); err != nil {
		return nil, err
	}
	if start%windowSize != 0 {
		return nil, fmt.Errorf(`%w: start %d not aligned to %d`, ErrOutOfWindow, start, windowSize)
	}
	return newOffsetBitSet(start, windowSize, nil), nil
}

func newOffsetBitSet(start, windowSize uint64, words []uint64) *OffsetBitSet {
	var bits *bitset.BitSet
	if words != nil {
		bits = bitset.FromWithLength(uint(windowSize), words)
	} else {
		bits = bitset.New(uint(windowSize))
	}
	return &OffsetBitSet{bits: bits, start: start, size: windowSize}
}

func validateWindow(windowSize uint64) error {
	if windowSize == 0 || windowSize%64 != 0 {
		return fmt.Errorf(`%w: %d`, ErrInvalidWindow, windowSize)
	}
	return nil
}

// Start is the identifier of bit 0.
func (x *OffsetBitSet) Start() uint64 { return x.start }

// End is the first identifier after the window.
func (x *OffsetBitSet) End() uint64 { return x.start + x.size }

// WindowSize is the bit capacity of the set.
func (x *OffsetBitSet) WindowSize() uint64 { return x.size }

func (x *OffsetBitSet) pos(id uint64) (uint, error) {
	if id < x.start || id-x.start >= x.size {
		return 0, fmt.Errorf(`%w: %d not in [%d, %d)`, ErrOutOfWindow, id, x.start, x.End())
	}
	return uint(id - x.start), nil
}

// Set marks id, returning true if it was not already set.
func (x *OffsetBitSet) Set(id uint64) (bool, error) {
	i, err := x.pos(id)
	if err != nil {
		return false, err
	}
	if x.bits.Test(i) {
		return false, nil
	}
	x.bits.Set(i)
	return true, nil
}

// Clear unmarks id, returning true if it was set.
func (x *OffsetBitSet) Clear(id uint64) (bool, error) {
	i, err := x.pos(id)
	if err != nil {
		return false, err
	}
	if !x.bits.Test(i) {
		return false, nil
	}
	x.bits.Clear(i)
	return true, nil
}

// IsSet reports whether id is marked. Identifiers outside the window are
// never set.
func (x *OffsetBitSet) IsSet(id uint64) bool {
	i, err := x.pos(id)
	return err == nil && x.bits.Test(i)
}

// NextSetBit returns the lowest marked identifier >= from, within the window.
func (x *OffsetBitSet) NextSetBit(from uint64) (uint64, bool) {
	if from < x.start {
		from = x.start
	}
	if from-x.start >= x.size {
		return 0, false
	}
	i, ok := x.bits.NextSet(uint(from - x.start))
	if !ok || uint64(i) >= x.size {
		return 0, false
	}
	return x.start + uint64(i), true
}

// NextSetBitAndClear behaves like NextSetBit, also clearing the bit found.
func (x *OffsetBitSet) NextSetBitAndClear(from uint64) (uint64, bool) {
	id, ok := x.NextSetBit(from)
	if ok {
		x.bits.Clear(uint(id - x.start))
	}
	return id, ok
}

// Cardinality returns the number of marked identifiers.
func (x *OffsetBitSet) Cardinality() int { return int(x.bits.Count()) }

// IsEmpty reports whether no identifier is marked.
func (x *OffsetBitSet) IsEmpty() bool { return x.bits.None() }

// And keeps only bit positions also set in other.
func (x *OffsetBitSet) And(other *OffsetBitSet) error {
	if err := x.compatible(other); err != nil {
		return err
	}
	x.bits.InPlaceIntersection(other.bits)
	return nil
}

// Or sets every bit position set in other.
func (x *OffsetBitSet) Or(other *OffsetBitSet) error {
	if err := x.compatible(other); err != nil {
		return err
	}
	x.bits.InPlaceUnion(other.bits)
	return nil
}

// Xor toggles every bit position set in other.
func (x *OffsetBitSet) Xor(other *OffsetBitSet) error {
	if err := x.compatible(other); err != nil {
		return err
	}
	x.bits.InPlaceSymmetricDifference(other.bits)
	return nil
}

// AndNot clears every bit position set in other.
func (x *OffsetBitSet) AndNot(other *OffsetBitSet) error {
	if err := x.compatible(other); err != nil {
		return err
	}
	x.bits.InPlaceDifference(other.bits)
	return nil
}

func (x *OffsetBitSet) compatible(other *OffsetBitSet) error {
	if other == nil || other.size != x.size {
		return ErrWindowMismatch
	}
	return nil
}

// Ascending iterates the marked identifiers in ascending order.
func (x *OffsetBitSet) Ascending() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for i, ok := x.bits.NextSet(0); ok && uint64(i) < x.size; i, ok = x.bits.NextSet(i + 1) {
			if !yield(x.start + uint64(i)) {
				return
			}
		}
	}
}

// Each calls fn for every marked identifier, in no particular order, until fn
// returns false.
func (x *OffsetBitSet) Each(fn func(id uint64) bool) {
	var buf [64]uint
	last, s := x.bits.NextSetMany(0, buf[:])
	for len(s) > 0 {
		for _, v := range s {
			if uint64(v) >= x.size || !fn(x.start+uint64(v)) {
				return
			}
		}
		last, s = x.bits.NextSetMany(last+1, buf[:])
	}
}

// reset relabels the window and clears every bit.
func (x *OffsetBitSet) reset(start uint64) {
	x.start = start
	x.bits.ClearAll()
}

// words exposes the underlying vector, e.g. for persistence.
func (x *OffsetBitSet) words() []uint64 {
	return x.bits.Words()
}

// word returns the index and value of the 64-bit word holding id.
func (x *OffsetBitSet) word(id uint64) (int, uint64) {
	i := int((id - x.start) / 64)
	return i, x.bits.Words()[i]
}
