package idset

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/joeycumines/logiface"
	"go.uber.org/multierr"
)

type (
	// Factory allocates windowed pages to owners, and recycles them.
	Factory interface {
		// WindowSize is the identifier span of every page.
		WindowSize() uint64

		// Open returns the page owned by ownerID covering id, allocating it,
		// from the free list, or by growing storage, if necessary.
		Open(ownerID, id uint64) (Page, error)

		// ClosePage returns a page to the free list, dropping its ownership.
		ClosePage(p Page) error

		// Get reclaims every page still labeled with ownerID, e.g. after a
		// restart, returning all the pages held by that owner, ascending by
		// start.
		Get(ownerID uint64) ([]Page, error)

		// OwnerIDs returns the distinct owners of used or recoverable pages,
		// in ascending order.
		OwnerIDs() []uint64

		Stats() FactoryStats

		// Release disowns the recoverable pages of ownerID, making them free.
		Release(ownerID uint64) error

		io.Closer
	}

	// FactoryStats are page counts, by allocation state.
	FactoryStats struct {
		// Used pages are held by an owner.
		Used int
		// Free pages are available for reuse.
		Free int
		// Recoverable pages are labeled with an owner that has yet to claim
		// them, see [Factory.Get].
		Recoverable int
	}

	// Backend persists the pages of a [PageFactory]. Pages are addressed by
	// slot, which is assigned sequentially, starting at zero. Calls are
	// serialized by the factory.
	Backend interface {
		// Load returns the persisted pages, indexed by slot.
		Load() ([]StoredPage, error)

		// WritePage writes a whole page. The slot may be one past the last.
		WritePage(slot int64, p StoredPage) error

		// WriteHeader rewrites only the owner and start of a page.
		WriteHeader(slot int64, ownerID, start uint64) error

		// WriteWords writes words into the bit region of a page, starting at
		// the word offset.
		WriteWords(slot int64, offset int, words []uint64) error

		// Close releases the backend's resources.
		Close() error
	}

	// StoredPage is the persisted form of a page.
	StoredPage struct {
		OwnerID uint64
		Start   uint64
		Words   []uint64
	}

	// PageFactory implements [Factory], over a [Backend].
	PageFactory struct {
		backend     Backend
		syncer      func(ctx context.Context) error
		logger      *logiface.Logger[logiface.Event]
		used        map[pageKey]*page
		recoverable map[uint64][]*page
		free        []*page
		slots       int64
		ws          uint64
		mu          sync.Mutex
		durable     bool
		closed      bool
	}

	pageKey struct {
		owner uint64
		start uint64
	}

	memoryBackend struct{}
)

var (
	_ Factory = (*PageFactory)(nil)
	_ Backend = memoryBackend{}
)

// NewMemoryFactory returns a factory whose pages live only in memory. It
// panics if windowSize is invalid.
func NewMemoryFactory(windowSize uint64, opts ...Option) *PageFactory {
	f, err := NewFactory(memoryBackend{}, windowSize, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// NewFactory loads the pages persisted by backend, and returns a factory
// that allocates from them. Pages labeled with an owner become recoverable.
func NewFactory(backend Backend, windowSize uint64, opts ...Option) (*PageFactory, error) {
	if err := validateWindow(windowSize); err != nil {
		return nil, err
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	stored, err := backend.Load()
	if err != nil {
		return nil, err
	}

	_, inMemory := backend.(memoryBackend)
	f := &PageFactory{
		backend:     backend,
		logger:      cfg.logger,
		used:        make(map[pageKey]*page),
		recoverable: make(map[uint64][]*page),
		ws:          windowSize,
		durable:     !inMemory,
	}
	if s, ok := backend.(interface {
		Sync(ctx context.Context) error
	}); ok {
		f.syncer = s.Sync
	}

	for slot, sp := range stored {
		if sp.Start%windowSize != 0 || uint64(len(sp.Words))*64 != windowSize {
			return nil, fmt.Errorf(`%w: slot %d: start %d, %d words`, ErrCorruptStore, slot, sp.Start, len(sp.Words))
		}
		p := &page{
			factory: f,
			bits:    newOffsetBitSet(sp.Start, windowSize, sp.Words),
			slot:    int64(slot),
			owner:   sp.OwnerID,
		}
		if p.owner == NoOwner {
			f.free = append(f.free, p)
		} else {
			f.recoverable[p.owner] = append(f.recoverable[p.owner], p)
		}
	}
	f.slots = int64(len(stored))

	if len(stored) != 0 {
		f.logger.Debug().
			Int(`pages`, len(stored)).
			Int(`free`, len(f.free)).
			Int(`owners`, len(f.recoverable)).
			Log(`idset: loaded page store`)
	}

	return f, nil
}

// WindowSize returns the number of identifiers covered by each page.
func (x *PageFactory) WindowSize() uint64 { return x.ws }

// Open returns the page of ownerID covering id. If the owner holds no such
// page, an empty one is allocated, reusing a free page if available.
func (x *PageFactory) Open(ownerID, id uint64) (Page, error) {
	if ownerID == NoOwner {
		return nil, ErrInvalidOwner
	}

	start := id - id%x.ws

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, ErrFactoryClosed
	}

	key := pageKey{ownerID, start}
	if p, ok := x.used[key]; ok {
		return p, nil
	}

	var p *page
	if n := len(x.free); n != 0 {
		p = x.free[n-1]
		x.free = x.free[:n-1]
		p.bits.reset(start)
		if err := x.backend.WritePage(p.slot, StoredPage{OwnerID: ownerID, Start: start, Words: p.bits.words()}); err != nil {
			x.free = append(x.free, p)
			return nil, err
		}
	} else {
		p = &page{
			factory: x,
			bits:    newOffsetBitSet(start, x.ws, nil),
			slot:    x.slots,
		}
		if err := x.backend.WritePage(p.slot, StoredPage{OwnerID: ownerID, Start: start, Words: p.bits.words()}); err != nil {
			return nil, err
		}
		x.slots++
	}
	p.owner = ownerID
	x.used[key] = p

	x.logger.Trace().
		Uint64(`owner`, ownerID).
		Uint64(`start`, start).
		Int64(`slot`, p.slot).
		Log(`idset: page opened`)

	return p, nil
}

// ClosePage returns p to the free list, clearing its owner and identifiers.
func (x *PageFactory) ClosePage(p Page) error {
	v, ok := p.(*page)
	if !ok || v.factory != x {
		return ErrForeignPage
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrFactoryClosed
	}

	key := pageKey{v.owner, v.Start()}
	if x.used[key] != v {
		return ErrForeignPage
	}
	delete(x.used, key)

	return x.disown(v)
}

// disown moves a page, that must already have been removed from its owner's
// set, to the free list.
func (x *PageFactory) disown(p *page) error {
	p.owner = NoOwner
	p.bits.reset(p.bits.Start())
	x.free = append(x.free, p)
	return x.backend.WriteHeader(p.slot, NoOwner, p.bits.Start())
}

// Get claims the recoverable pages labeled with ownerID, ascending by start.
func (x *PageFactory) Get(ownerID uint64) ([]Page, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil, ErrFactoryClosed
	}

	var errs error
	if pages := x.recoverable[ownerID]; len(pages) != 0 {
		delete(x.recoverable, ownerID)
		for _, p := range pages {
			key := pageKey{ownerID, p.Start()}
			existing, ok := x.used[key]
			if !ok {
				x.used[key] = p
				continue
			}
			// the owner re-opened the window before recovering it
			_ = existing.bits.Or(p.bits)
			errs = multierr.Append(errs, x.backend.WriteWords(existing.slot, 0, existing.bits.words()))
			errs = multierr.Append(errs, x.disown(p))
		}
		x.logger.Debug().
			Uint64(`owner`, ownerID).
			Int(`pages`, len(pages)).
			Log(`idset: recovered pages`)
	}

	var result []Page
	for key, p := range x.used {
		if key.owner == ownerID {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b Page) int { return cmp.Compare(a.Start(), b.Start()) })

	return result, errs
}

// OwnerIDs returns the distinct owners of used or recoverable pages,
// ascending.
func (x *PageFactory) OwnerIDs() []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	owners := make([]uint64, 0, len(x.recoverable))
	for owner := range x.recoverable {
		owners = append(owners, owner)
	}
	for key := range x.used {
		owners = append(owners, key.owner)
	}
	slices.Sort(owners)
	return slices.Compact(owners)
}

// Stats returns the page counts.
func (x *PageFactory) Stats() (stats FactoryStats) {
	x.mu.Lock()
	defer x.mu.Unlock()
	stats.Used = len(x.used)
	stats.Free = len(x.free)
	for _, pages := range x.recoverable {
		stats.Recoverable += len(pages)
	}
	return
}

// Release frees the recoverable pages of ownerID.
func (x *PageFactory) Release(ownerID uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrFactoryClosed
	}

	pages := x.recoverable[ownerID]
	delete(x.recoverable, ownerID)
	for _, p := range pages {
		if err := x.disown(p); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes durable storage, if the backend supports it. Concurrent
// callers may share a single flush.
func (x *PageFactory) Sync(ctx context.Context) error {
	if x.syncer == nil {
		return nil
	}
	return x.syncer(ctx)
}

// Close closes the backend. Pages must not be used after Close.
func (x *PageFactory) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.backend.Close()
}

// persistWord writes through the word holding id.
func (x *PageFactory) persistWord(p *page, id uint64) error {
	if !x.durable {
		return nil
	}
	i, w := p.bits.word(id)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrFactoryClosed
	}
	return x.backend.WriteWords(p.slot, i, []uint64{w})
}

// persistWords writes through the whole bit region of a page.
func (x *PageFactory) persistWords(p *page) error {
	if !x.durable {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrFactoryClosed
	}
	return x.backend.WriteWords(p.slot, 0, p.bits.words())
}

func (memoryBackend) Load() ([]StoredPage, error) { return nil, nil }
func (memoryBackend) WritePage(int64, StoredPage) error { return nil }
func (memoryBackend) WriteHeader(int64, uint64, uint64) error { return nil }
func (memoryBackend) WriteWords(int64, int, []uint64) error { return nil }
func (memoryBackend) Close() error { return nil }
