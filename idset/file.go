package idset

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
)

// pageHeaderSize is the owner and start, each a little-endian uint64.
const pageHeaderSize = 16

// fileBackend stores pages back to back, each a header followed by the
// window's bits, as little-endian 64-bit words.
type fileBackend struct {
	file     *os.File
	syncer   *syncBatcher
	pageSize int64
	words    int
}

// OpenFileFactory opens or creates the page file at path. Pages persisted by
// a previous process become recoverable, see [Factory.Get].
//
// Pages are written through on every mutation, but only flushed to stable
// storage by [PageFactory.Sync] or Close.
func OpenFileFactory(path string, windowSize uint64, opts ...Option) (*PageFactory, error) {
	if err := validateWindow(windowSize); err != nil {
		return nil, err
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, cfg.fileMode)
	if err != nil {
		return nil, err
	}

	backend := &fileBackend{
		file:     file,
		pageSize: pageHeaderSize + int64(windowSize/8),
		words:    int(windowSize / 64),
	}
	backend.syncer = newSyncBatcher(file.Sync, cfg.syncMaxSize, cfg.syncFlushInterval)

	f, err := NewFactory(backend, windowSize, opts...)
	if err != nil {
		return nil, multierr.Append(err, backend.Close())
	}
	return f, nil
}

func (x *fileBackend) Load() ([]StoredPage, error) {
	info, err := x.file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%x.pageSize != 0 {
		return nil, fmt.Errorf(`%w: size %d is not a multiple of %d`, ErrCorruptStore, info.Size(), x.pageSize)
	}

	pages := make([]StoredPage, info.Size()/x.pageSize)
	buf := make([]byte, x.pageSize)
	for slot := range pages {
		if _, err := x.file.ReadAt(buf, int64(slot)*x.pageSize); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		p := &pages[slot]
		p.OwnerID = binary.LittleEndian.Uint64(buf)
		p.Start = binary.LittleEndian.Uint64(buf[8:])
		p.Words = decodeWords(buf[pageHeaderSize:])
	}

	return pages, nil
}

func (x *fileBackend) WritePage(slot int64, p StoredPage) error {
	buf := make([]byte, 0, x.pageSize)
	buf = binary.LittleEndian.AppendUint64(buf, p.OwnerID)
	buf = binary.LittleEndian.AppendUint64(buf, p.Start)
	for _, w := range p.Words {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	_, err := x.file.WriteAt(buf, slot*x.pageSize)
	return err
}

func (x *fileBackend) WriteHeader(slot int64, ownerID, start uint64) error {
	var buf [pageHeaderSize]byte
	binary.LittleEndian.PutUint64(buf[:], ownerID)
	binary.LittleEndian.PutUint64(buf[8:], start)
	_, err := x.file.WriteAt(buf[:], slot*x.pageSize)
	return err
}

func (x *fileBackend) WriteWords(slot int64, offset int, words []uint64) error {
	if offset < 0 || offset+len(words) > x.words {
		return fmt.Errorf(`idset: word range [%d, %d) exceeds page`, offset, offset+len(words))
	}
	_, err := x.file.WriteAt(encodeWords(words), slot*x.pageSize+pageHeaderSize+int64(offset)*8)
	return err
}

func (x *fileBackend) Sync(ctx context.Context) error {
	return x.syncer.submit(ctx)
}

func (x *fileBackend) Close() error {
	x.syncer.close()
	return multierr.Combine(x.file.Sync(), x.file.Close())
}
