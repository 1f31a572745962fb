package env

import (
	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/btree"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/cursor"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/txn"
)

// Partial re-exports blob.Partial so callers of Database don't need to
// import the blob package directly for spec.md §4.4's Partial I/O
// contract.
type Partial = blob.Partial

// Database is one named key space within an Environment: a B-tree index
// plus the blob/duplicate stores it shares with every other database in
// the same environment (spec.md §6). It implements common.StorageEngine
// for single-key-space callers and also exposes the full cursor/txn API
// for callers that need duplicate keys or multi-operation transactions.
type Database struct {
	env   *Environment
	name  uint16
	idx   *btree.Index
	blobs blob.Manager
	dups  *dupstore.Store

	closed bool
}

func newDatabase(e *Environment, name uint16, idx *btree.Index, blobs blob.Manager, dups *dupstore.Store) *Database {
	return &Database{env: e, name: name, idx: idx, blobs: blobs, dups: dups}
}

// TxnKey is the string a txn.Txn uses to key this database's pending
// operations — pass it as the db argument to Txn.Insert/Overwrite/
// Erase/DuplicateInsert so NewCursor's merge sees them.
func (d *Database) TxnKey() string {
	return string([]byte{byte(d.name >> 8), byte(d.name)})
}

// Name returns the database's numeric descriptor name (spec.md §6).
func (d *Database) Name() uint16 { return d.name }

// Put inserts or overwrites key=value (common.StorageEngine).
func (d *Database) Put(key, value []byte) error {
	return d.PutPartial(key, value, nil)
}

// PutPartial is Put with spec.md §4.4/§6's Partial I/O contract: value
// supplies only the touched window of a logical record whose full size
// is partial.TotalSize when partial is non-nil; the rest of the record
// reads back zero-filled (fresh key) or unchanged (overwriting an
// existing, non-duplicate key).
func (d *Database) PutPartial(key, value []byte, partial *Partial) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	return d.idx.InsertPartial(key, value, partial)
}

// Get returns the value stored at key, or common.ErrKeyNotFound.
func (d *Database) Get(key []byte) ([]byte, error) {
	return d.idx.Find(key)
}

// Delete removes key.
func (d *Database) Delete(key []byte) error {
	return d.idx.Erase(key)
}

// Close marks the database closed; it flushes nothing itself (pages are
// written by Environment.Flush/Close). The underlying Device/
// PageManager/Log are owned by the Environment and are not closed here.
func (d *Database) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return nil
}

// Sync flushes the whole environment (databases share one Device).
func (d *Database) Sync() error {
	return d.env.Flush()
}

// Stats reports the shared environment's pager statistics plus this
// database's own key count.
func (d *Database) Stats() common.Stats {
	s := d.env.Stats()
	s.NumKeys = d.idx.NumKeys()
	return s
}

// Compact is a non-goal for this engine (spec.md §4 Non-goals: no
// background compaction). It is a no-op so Database still satisfies
// common.StorageEngine.
func (d *Database) Compact() error {
	return nil
}

// NewCursor opens a cursor over this database, optionally coupled to an
// in-flight transaction's pending operations (spec.md §4.7).
func (d *Database) NewCursor(tx *txn.Txn) *cursor.Cursor {
	return cursor.New(d.idx, tx, d.TxnKey())
}

// applyTxnOps replays every operation tx recorded against this database
// directly onto the B-tree, key by key (keys in no particular order, each
// key's ops in the order they were recorded) — the step
// Environment.Commit drives so a committed transaction's writes become
// visible to a fresh, txn-less Get/cursor afterward (spec.md §6).
func (d *Database) applyTxnOps(tx *txn.Txn) error {
	for _, key := range tx.Keys(d.TxnKey()) {
		for _, op := range tx.Ops(d.TxnKey(), key) {
			if err := d.applyTxnOp(key, op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Database) applyTxnOp(key []byte, op txn.Op) error {
	switch op.Kind {
	case txn.KindInsert, txn.KindOverwrite:
		return d.idx.Insert(key, op.Value)
	case txn.KindDuplicateInsert:
		return d.idx.InsertDuplicate(key, op.Value, op.Mode, op.RefIndex)
	case txn.KindErase:
		if op.RefIndex >= 0 {
			return d.idx.EraseDuplicate(key, op.RefIndex)
		}
		return d.idx.Erase(key)
	default:
		return nil
	}
}

// Index exposes the underlying B-tree for duplicate-key operations that
// do not go through a cursor (DuplicateCount/ReadDuplicate/etc).
func (d *Database) Index() *btree.Index { return d.idx }

var _ common.StorageEngine = (*Database)(nil)
