package idset

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// factoryCase opens a factory, and reopens it against the same storage,
// simulating a restart.
type factoryCase struct {
	name    string
	durable bool
	open    func(t *testing.T, windowSize uint64) (open func() *PageFactory)
}

func factoryCases() []factoryCase {
	return []factoryCase{
		{
			name: `memory`,
			open: func(t *testing.T, windowSize uint64) func() *PageFactory {
				return func() *PageFactory { return NewMemoryFactory(windowSize) }
			},
		},
		{
			name:    `file`,
			durable: true,
			open: func(t *testing.T, windowSize uint64) func() *PageFactory {
				path := filepath.Join(t.TempDir(), `pages`)
				return func() *PageFactory {
					f, err := OpenFileFactory(path, windowSize, WithSyncBatching(8, 0))
					require.NoError(t, err)
					return f
				}
			},
		},
		{
			name:    `sqlite`,
			durable: true,
			open: func(t *testing.T, windowSize uint64) func() *PageFactory {
				db, err := sql.Open(`sqlite3`, filepath.Join(t.TempDir(), `pages.db`))
				require.NoError(t, err)
				t.Cleanup(func() { _ = db.Close() })
				return func() *PageFactory {
					f, err := OpenSQLFactory(db, windowSize)
					require.NoError(t, err)
					return f
				}
			},
		},
	}
}

func TestFactory_openCloseReuse(t *testing.T) {
	for _, tc := range factoryCases() {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.open(t, 64)()
			defer f.Close()

			assert.Equal(t, uint64(64), f.WindowSize())

			p, err := f.Open(1, 70)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), p.OwnerID())
			assert.Equal(t, uint64(64), p.Start())
			assert.Equal(t, uint64(128), p.End())
			require.NoError(t, p.Set(70))

			same, err := f.Open(1, 127)
			require.NoError(t, err)
			assert.Same(t, p, same)

			other, err := f.Open(2, 70)
			require.NoError(t, err)
			assert.NotSame(t, p, other)
			assert.False(t, other.IsSet(70))
			assert.Equal(t, FactoryStats{Used: 2}, f.Stats())
			assert.Equal(t, []uint64{1, 2}, f.OwnerIDs())

			require.NoError(t, f.ClosePage(p))
			assert.Equal(t, NoOwner, p.OwnerID())
			assert.ErrorIs(t, f.ClosePage(p), ErrForeignPage)
			assert.Equal(t, FactoryStats{Used: 1, Free: 1}, f.Stats())

			// reused, relabeled, and zeroed
			reused, err := f.Open(3, 1000)
			require.NoError(t, err)
			assert.Same(t, p, reused)
			assert.Equal(t, uint64(3), reused.OwnerID())
			assert.Equal(t, uint64(960), reused.Start())
			assert.True(t, reused.IsEmpty())
			assert.Equal(t, FactoryStats{Used: 2}, f.Stats())

			_, err = f.Open(NoOwner, 1)
			assert.ErrorIs(t, err, ErrInvalidOwner)
			assert.ErrorIs(t, NewMemoryFactory(64).ClosePage(other), ErrForeignPage)
		})
	}
}

func TestFactory_recovery(t *testing.T) {
	for _, tc := range factoryCases() {
		if !tc.durable {
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			open := tc.open(t, 128)

			f := open()
			q := NewQueue(f, 7)
			for _, id := range []uint64{200, 1, 130} {
				require.NoError(t, q.Add(id))
			}
			other := NewQueue(f, 8)
			require.NoError(t, other.Add(5))
			require.NoError(t, f.Close())

			f = open()
			assert.Equal(t, FactoryStats{Recoverable: 3}, f.Stats())
			assert.Equal(t, []uint64{7, 8}, f.OwnerIDs())

			q, err := RecoverQueue(f, 7)
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 130, 200}, slices.Collect(q.Ascending()))
			assert.Equal(t, FactoryStats{Used: 2, Recoverable: 1}, f.Stats())

			// drains the first page, which is closed
			id, ok, err := q.Poll()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(1), id)
			assert.Equal(t, FactoryStats{Used: 1, Free: 1, Recoverable: 1}, f.Stats())
			require.NoError(t, f.Close())

			f = open()
			defer f.Close()
			assert.Equal(t, FactoryStats{Free: 1, Recoverable: 2}, f.Stats())

			require.NoError(t, f.Release(8))
			assert.Equal(t, []uint64{7}, f.OwnerIDs())
			assert.Equal(t, FactoryStats{Free: 2, Recoverable: 1}, f.Stats())

			q, err = RecoverQueue(f, 7)
			require.NoError(t, err)
			assert.Equal(t, []uint64{130, 200}, slices.Collect(q.Ascending()))
		})
	}
}

func TestFactory_Get_mergesReopenedWindow(t *testing.T) {
	for _, tc := range factoryCases() {
		if !tc.durable {
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			open := tc.open(t, 64)

			f := open()
			p, err := f.Open(1, 5)
			require.NoError(t, err)
			require.NoError(t, p.Set(5))
			require.NoError(t, f.Close())

			f = open()
			defer f.Close()
			p, err = f.Open(1, 9)
			require.NoError(t, err)
			require.NoError(t, p.Set(9))

			pages, err := f.Get(1)
			require.NoError(t, err)
			require.Len(t, pages, 1)
			assert.Same(t, p, pages[0])
			assert.Equal(t, []uint64{5, 9}, slices.Collect(p.Ascending()))
			assert.Equal(t, FactoryStats{Used: 1, Free: 1}, f.Stats())
		})
	}
}

func TestOpenFileFactory_corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), `pages`)
	require.NoError(t, os.WriteFile(path, make([]byte, 10), 0o644))
	_, err := OpenFileFactory(path, 64)
	assert.ErrorIs(t, err, ErrCorruptStore)

	_, err = OpenFileFactory(path, 65)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestOpenFileFactory_layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), `pages`)
	f, err := OpenFileFactory(path, 64)
	require.NoError(t, err)
	p, err := f.Open(0x0102, 64)
	require.NoError(t, err)
	require.NoError(t, p.Set(64))
	require.NoError(t, p.Set(127))
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // owner
		64, 0, 0, 0, 0, 0, 0, 0, // start
		0x01, 0, 0, 0, 0, 0, 0, 0x80, // bits
	}, b)
}

func TestPageFactory_Sync(t *testing.T) {
	f, err := OpenFileFactory(filepath.Join(t.TempDir(), `pages`), 64, WithSyncBatching(4, 0))
	require.NoError(t, err)

	var g errgroup.Group
	for range 32 {
		g.Go(func() error { return f.Sync(context.Background()) })
	}
	require.NoError(t, g.Wait())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sync(ctx), context.Canceled)

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Sync(context.Background()), ErrFactoryClosed)

	assert.NoError(t, NewMemoryFactory(64).Sync(context.Background()))
}

type failingBackend struct {
	memoryBackend
	err error
}

func (x *failingBackend) WriteWords(int64, int, []uint64) error { return x.err }

func TestPage_writeFailureReverts(t *testing.T) {
	backend := &failingBackend{}
	f, err := NewFactory(backend, 64)
	require.NoError(t, err)
	p, err := f.Open(1, 0)
	require.NoError(t, err)
	require.NoError(t, p.Set(3))
	other, err := f.Open(2, 0)
	require.NoError(t, err)
	require.NoError(t, other.Set(5))

	backend.err = errors.New(`disk on fire`)

	assert.ErrorIs(t, p.Set(4), backend.err)
	assert.False(t, p.IsSet(4))
	assert.ErrorIs(t, p.Clear(3), backend.err)
	assert.True(t, p.IsSet(3))
	_, _, err = p.NextSetBitAndClear(0)
	assert.ErrorIs(t, err, backend.err)
	assert.True(t, p.IsSet(3))

	assert.ErrorIs(t, p.Or(other), backend.err)
	assert.Equal(t, []uint64{3}, slices.Collect(p.Ascending()))
}
