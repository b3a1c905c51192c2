package idset

import (
	"cmp"
	"iter"
	"slices"

	"go.uber.org/multierr"
)

// Queue is an ordered set of identifiers, drained smallest first, backed by
// the pages of a single owner.
//
// Thread Safety: This struct is NOT thread-safe. The factory may be shared.
type Queue struct {
	factory Factory
	pages   []Page // ascending by start
	owner   uint64
	ws      uint64
}

// NewQueue returns an empty queue, allocating pages for ownerID on demand.
func NewQueue(factory Factory, ownerID uint64) *Queue {
	return &Queue{
		factory: factory,
		owner:   ownerID,
		ws:      factory.WindowSize(),
	}
}

// RecoverQueue returns a queue holding the pages left labeled with ownerID.
func RecoverQueue(factory Factory, ownerID uint64) (*Queue, error) {
	pages, err := factory.Get(ownerID)
	q := NewQueue(factory, ownerID)
	q.pages = pages
	slices.SortFunc(q.pages, func(a, b Page) int { return cmp.Compare(a.Start(), b.Start()) })
	return q, err
}

// OwnerID is the owner label of the queue's pages.
func (x *Queue) OwnerID() uint64 { return x.owner }

func (x *Queue) search(id uint64) (int, bool) {
	start := id - id%x.ws
	return slices.BinarySearchFunc(x.pages, start, func(p Page, start uint64) int {
		return cmp.Compare(p.Start(), start)
	})
}

// Add inserts id, opening the page that covers it if necessary.
func (x *Queue) Add(id uint64) error {
	i, ok := x.search(id)
	if !ok {
		p, err := x.factory.Open(x.owner, id)
		if err != nil {
			return err
		}
		x.pages = slices.Insert(x.pages, i, p)
	}
	return x.pages[i].Set(id)
}

// Remove deletes id, returning true if it was present. An emptied page is
// closed, unless it is the last.
func (x *Queue) Remove(id uint64) (bool, error) {
	i, ok := x.search(id)
	if !ok || !x.pages[i].IsSet(id) {
		return false, nil
	}
	if err := x.pages[i].Clear(id); err != nil {
		return false, err
	}
	if x.pages[i].IsEmpty() && len(x.pages) > 1 {
		return true, x.drop(i)
	}
	return true, nil
}

// Contains reports whether id is present.
func (x *Queue) Contains(id uint64) bool {
	i, ok := x.search(id)
	return ok && x.pages[i].IsSet(id)
}

// Len returns the number of identifiers present.
func (x *Queue) Len() (n int) {
	for _, p := range x.pages {
		n += p.Cardinality()
	}
	return
}

// IsEmpty reports whether no identifier is present.
func (x *Queue) IsEmpty() bool {
	for _, p := range x.pages {
		if !p.IsEmpty() {
			return false
		}
	}
	return true
}

// PageCount returns the number of pages held.
func (x *Queue) PageCount() int { return len(x.pages) }

// Poll removes and returns the smallest identifier. The ok result is false
// if the queue is empty. If err is non-nil with ok true, the identifier was
// removed, but the page it emptied could not be closed.
func (x *Queue) Poll() (id uint64, ok bool, err error) {
	for len(x.pages) != 0 {
		p := x.pages[0]
		id, ok, err = p.NextSetBitAndClear(p.Start())
		if err != nil {
			return 0, false, err
		}
		if !ok {
			if err = x.drop(0); err != nil {
				return 0, false, err
			}
			continue
		}
		if p.IsEmpty() && len(x.pages) > 1 {
			err = x.drop(0)
		}
		return id, true, err
	}
	return 0, false, nil
}

// PollFrom removes and returns the smallest identifier >= from. Emptied pages
// are closed as per [Queue.Poll], except that pages below from are left
// untouched.
func (x *Queue) PollFrom(from uint64) (id uint64, ok bool, err error) {
	for i, _ := x.search(from); i < len(x.pages); i++ {
		p := x.pages[i]
		id, ok, err = p.NextSetBitAndClear(max(from, p.Start()))
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		if p.IsEmpty() && len(x.pages) > 1 {
			err = x.drop(i)
		}
		return id, true, err
	}
	return 0, false, nil
}

// Peek returns the smallest identifier without removing it.
func (x *Queue) Peek() (uint64, bool) {
	for _, p := range x.pages {
		if p.IsEmpty() {
			continue
		}
		if id, ok := p.NextSetBit(p.Start()); ok {
			return id, true
		}
	}
	return 0, false
}

// Ascending iterates the identifiers in ascending order. The queue must not
// be modified during iteration.
func (x *Queue) Ascending() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for _, p := range x.pages {
			for id := range p.Ascending() {
				if !yield(id) {
					return
				}
			}
		}
	}
}

// Delete returns every page to the factory, leaving the queue empty.
func (x *Queue) Delete() error {
	var err error
	for _, p := range x.pages {
		err = multierr.Append(err, x.factory.ClosePage(p))
	}
	x.pages = nil
	return err
}

// drop removes the page at index i, even if the factory fails to close it.
func (x *Queue) drop(i int) error {
	p := x.pages[i]
	x.pages = slices.Delete(x.pages, i, i+1)
	return x.factory.ClosePage(p)
}
