// Package dupstore implements the duplicate-key table: when a B-tree key
// is inserted more than once under DuplicatesAllowed, the leaf slot's
// record pointer is redirected to a table of record ids stored as a blob
// (spec.md §4.6 duplicate handling).
package dupstore

import (
	"encoding/binary"

	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/common"
)

// entrySize is one Entry: rid(8) + flags(1).
const entrySize = 9

const (
	flagTiny  = 1 << 0 // record fits inline in the 8-byte rid field
	flagSmall = 1 << 1 // record fits in the leaf slot's inline key bytes
)

// Entry is one duplicate record reference (spec.md §4.6): the address of
// a record blob. The tiny/small flags are defined for packing a record
// into the entry itself, but no caller sets them; every entry written by
// btree carries a blob address.
type Entry struct {
	RID   uint64
	Flags byte
}

func (e Entry) tiny() bool  { return e.Flags&flagTiny != 0 }
func (e Entry) small() bool { return e.Flags&flagSmall != 0 }

// tableHeaderSize is count(4) + capacity(4).
const tableHeaderSize = 8

// Table is the decoded duplicate-record table for one key.
type Table struct {
	Entries []Entry
}

func decode(buf []byte) Table {
	if len(buf) < tableHeaderSize {
		return Table{}
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	t := Table{Entries: make([]Entry, 0, count)}
	off := tableHeaderSize
	for i := uint32(0); i < count; i++ {
		if off+entrySize > len(buf) {
			break
		}
		t.Entries = append(t.Entries, Entry{
			RID:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Flags: buf[off+8],
		})
		off += entrySize
	}
	return t
}

func (t Table) encode() []byte {
	capacity := len(t.Entries)
	buf := make([]byte, tableHeaderSize+capacity*entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(t.Entries)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(capacity))
	off := tableHeaderSize
	for _, e := range t.Entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.RID)
		buf[off+8] = e.Flags
		off += entrySize
	}
	return buf
}

// Store manages duplicate-record tables as blobs through a blob.Manager.
type Store struct {
	blobs blob.Manager
}

// New returns a duplicate-record Store backed by blobs.
func New(blobs blob.Manager) *Store {
	return &Store{blobs: blobs}
}

// Create writes a brand new duplicate table holding a single entry and
// returns its blob address, to be stored in the leaf slot in place of
// the direct record pointer.
func (s *Store) Create(first Entry) (uint64, error) {
	t := Table{Entries: []Entry{first}}
	return s.blobs.Allocate(t.encode(), nil)
}

func (s *Store) load(address uint64) (Table, error) {
	buf, err := s.blobs.Read(address)
	if err != nil {
		return Table{}, err
	}
	return decode(buf), nil
}

// Count returns the number of duplicate entries for the table at
// address.
func (s *Store) Count(address uint64) (int, error) {
	t, err := s.load(address)
	if err != nil {
		return 0, err
	}
	return len(t.Entries), nil
}

// Get returns the entry at index (0-based, table order).
func (s *Store) Get(address uint64, index int) (Entry, error) {
	t, err := s.load(address)
	if err != nil {
		return Entry{}, err
	}
	if index < 0 || index >= len(t.Entries) {
		return Entry{}, common.ErrKeyNotFound
	}
	return t.Entries[index], nil
}

// Position identifies where a new duplicate is inserted relative to the
// existing table, matching spec.md §4.6's DuplicateInsertMode.
type Position int

const (
	PositionFirst Position = iota
	PositionLast
	PositionBefore
	PositionAfter
)

// Insert adds entry to the table at address according to mode, relative
// to refIndex for Before/After, and returns the (possibly relocated)
// table address plus the index the new entry landed at.
func (s *Store) Insert(address uint64, entry Entry, mode Position, refIndex int) (uint64, int, error) {
	t, err := s.load(address)
	if err != nil {
		return 0, 0, err
	}

	var idx int
	switch mode {
	case PositionFirst:
		idx = 0
	case PositionLast:
		idx = len(t.Entries)
	case PositionBefore:
		idx = refIndex
	case PositionAfter:
		idx = refIndex + 1
	}
	if idx < 0 || idx > len(t.Entries) {
		return 0, 0, common.ErrInvalidParameter
	}

	t.Entries = append(t.Entries, Entry{})
	copy(t.Entries[idx+1:], t.Entries[idx:])
	t.Entries[idx] = entry

	newAddr, err := s.blobs.Overwrite(address, t.encode(), nil)
	if err != nil {
		return 0, 0, err
	}
	return newAddr, idx, nil
}

// Erase removes the entry at index and returns the (possibly relocated)
// table address and whether the table is now empty. An empty table's
// blob has already been freed here; the caller must not free it again
// and only has to fix up the slot that pointed at it.
func (s *Store) Erase(address uint64, index int) (newAddress uint64, empty bool, err error) {
	t, err := s.load(address)
	if err != nil {
		return 0, false, err
	}
	if index < 0 || index >= len(t.Entries) {
		return 0, false, common.ErrKeyNotFound
	}

	t.Entries = append(t.Entries[:index], t.Entries[index+1:]...)
	if len(t.Entries) == 0 {
		if err := s.blobs.Free(address); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	newAddr, err := s.blobs.Overwrite(address, t.encode(), nil)
	if err != nil {
		return 0, false, err
	}
	return newAddr, false, nil
}

// Free releases a duplicate table's blob storage outright, used when the
// owning key is deleted entirely.
func (s *Store) Free(address uint64) error {
	return s.blobs.Free(address)
}
