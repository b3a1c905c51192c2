package idset

import (
	"database/sql"
	"encoding/binary"
	"fmt"
)

const sqlSchema = `CREATE TABLE IF NOT EXISTS idset_pages (
	slot INTEGER PRIMARY KEY,
	owner_id INTEGER NOT NULL,
	start_id INTEGER NOT NULL,
	bits BLOB NOT NULL
)`

// sqlBackend stores one row per page. The uint64 owner and start are stored
// as their int64 bit patterns, as sqlite integers are signed.
type sqlBackend struct {
	db    *sql.DB
	words int
}

// OpenSQLFactory returns a factory persisting pages to the idset_pages table
// of db, which is created if necessary. The db is typically opened via the
// "sqlite3" driver of github.com/mattn/go-sqlite3, which the caller must
// import. The db is not closed by the factory.
func OpenSQLFactory(db *sql.DB, windowSize uint64, opts ...Option) (*PageFactory, error) {
	if err := validateWindow(windowSize); err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, err
	}
	return NewFactory(&sqlBackend{db: db, words: int(windowSize / 64)}, windowSize, opts...)
}

func (x *sqlBackend) Load() (pages []StoredPage, err error) {
	rows, err := x.db.Query(`SELECT slot, owner_id, start_id, bits FROM idset_pages ORDER BY slot`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := rows.Close(); err == nil {
			err = e
		}
	}()

	for rows.Next() {
		var (
			slot         int64
			owner, start int64
			bits         []byte
		)
		if err := rows.Scan(&slot, &owner, &start, &bits); err != nil {
			return nil, err
		}
		if slot != int64(len(pages)) || len(bits) != x.words*8 {
			return nil, fmt.Errorf(`%w: row %d: slot %d, %d bytes`, ErrCorruptStore, len(pages), slot, len(bits))
		}
		pages = append(pages, StoredPage{
			OwnerID: uint64(owner),
			Start:   uint64(start),
			Words:   decodeWords(bits),
		})
	}

	return pages, rows.Err()
}

func (x *sqlBackend) WritePage(slot int64, p StoredPage) error {
	_, err := x.db.Exec(
		`INSERT INTO idset_pages (slot, owner_id, start_id, bits) VALUES (?, ?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET owner_id = excluded.owner_id, start_id = excluded.start_id, bits = excluded.bits`,
		slot, int64(p.OwnerID), int64(p.Start), encodeWords(p.Words),
	)
	return err
}

func (x *sqlBackend) WriteHeader(slot int64, ownerID, start uint64) error {
	_, err := x.db.Exec(`UPDATE idset_pages SET owner_id = ?, start_id = ? WHERE slot = ?`, int64(ownerID), int64(start), slot)
	return err
}

func (x *sqlBackend) WriteWords(slot int64, offset int, words []uint64) (err error) {
	if offset < 0 || offset+len(words) > x.words {
		return fmt.Errorf(`idset: word range [%d, %d) exceeds page`, offset, offset+len(words))
	}

	if offset == 0 && len(words) == x.words {
		_, err = x.db.Exec(`UPDATE idset_pages SET bits = ? WHERE slot = ?`, encodeWords(words), slot)
		return err
	}

	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var bits []byte
	if err = tx.QueryRow(`SELECT bits FROM idset_pages WHERE slot = ?`, slot).Scan(&bits); err != nil {
		return err
	}
	if len(bits) != x.words*8 {
		return fmt.Errorf(`%w: slot %d: %d bytes`, ErrCorruptStore, slot, len(bits))
	}
	for i, w := range words {
		binary.LittleEndian.PutUint64(bits[(offset+i)*8:], w)
	}
	if _, err = tx.Exec(`UPDATE idset_pages SET bits = ? WHERE slot = ?`, bits, slot); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *sqlBackend) Close() error { return nil }

func encodeWords(words []uint64) []byte {
	b := make([]byte, 0, len(words)*8)
	for _, w := range words {
		b = binary.LittleEndian.AppendUint64(b, w)
	}
	return b
}

func decodeWords(b []byte) []uint64 {
	words := make([]uint64, len(b)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return words
}
