// Package txn implements the in-memory transaction operation tree spec.md
// §4.7/§6 describes: a transaction records pending inserts, overwrites,
// duplicate-inserts and erases against one or more databases and exposes
// them to cursor for duplicate-cache merging. It is explicitly not a
// durable logical redo log (spec.md §4.7 Non-goals) — an aborted or
// never-committed transaction simply discards its op tree; durability
// comes from walog's physical page log once a commit's changes reach the
// B-tree.
package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/dupstore"
)

// Kind identifies what a pending Op does to a key.
type Kind int

const (
	KindInsert Kind = iota
	KindOverwrite
	KindDuplicateInsert
	KindErase
)

// Op is one pending change against a single (database, key) pair,
// ordered by the sequence it was recorded in within the transaction.
type Op struct {
	Kind     Kind
	Value    []byte
	Mode     dupstore.Position // meaningful only for KindDuplicateInsert
	RefIndex int               // meaningful only for Before/After modes
	seq      uint64
}

// keyOps is the ordered set of pending operations recorded against one
// key within one database, in the order Insert/Overwrite/Duplicate/Erase
// calls were made — cursor needs this order to merge the transaction's
// view with the B-tree's on-disk duplicate table (spec.md §4.7).
type keyOps struct {
	ops []Op
}

// State is the transaction's lifecycle state.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Txn is one in-memory transaction. All methods are safe for concurrent
// use by a single owning goroutine; the engine's single-threaded
// cooperative model (spec.md §5) does not require finer-grained locking,
// but the mutex guards against accidental concurrent cursor access.
type Txn struct {
	ID uuid.UUID

	mu      sync.Mutex
	state   State
	nextSeq uint64
	byDB    map[string]map[string]*keyOps
}

// Begin starts a new, empty transaction.
func Begin() *Txn {
	return &Txn{
		ID:    uuid.New(),
		state: StateActive,
		byDB:  make(map[string]map[string]*keyOps),
	}
}

func (t *Txn) requireActive() error {
	if t.state != StateActive {
		return common.ErrTxnConflict
	}
	return nil
}

func (t *Txn) record(db string, key []byte, op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}

	keys, ok := t.byDB[db]
	if !ok {
		keys = make(map[string]*keyOps)
		t.byDB[db] = keys
	}
	ko, ok := keys[string(key)]
	if !ok {
		ko = &keyOps{}
		keys[string(key)] = ko
	}
	op.seq = t.nextSeq
	t.nextSeq++
	ko.ops = append(ko.ops, op)
	return nil
}

// Insert records a plain (non-duplicate) insert of key=value.
func (t *Txn) Insert(db string, key, value []byte) error {
	return t.record(db, key, Op{Kind: KindInsert, Value: value})
}

// Overwrite records an overwrite of key's existing value.
func (t *Txn) Overwrite(db string, key, value []byte) error {
	return t.record(db, key, Op{Kind: KindOverwrite, Value: value})
}

// DuplicateInsert records an additional duplicate for key, positioned per
// mode/refIndex the way dupstore.Store.Insert interprets them.
func (t *Txn) DuplicateInsert(db string, key, value []byte, mode dupstore.Position, refIndex int) error {
	return t.record(db, key, Op{Kind: KindDuplicateInsert, Value: value, Mode: mode, RefIndex: refIndex})
}

// Erase records the removal of key (or, with refIndex >= 0, one specific
// duplicate of it — stored in the Op's RefIndex).
func (t *Txn) Erase(db string, key []byte, refIndex int) error {
	return t.record(db, key, Op{Kind: KindErase, RefIndex: refIndex})
}

// Ops returns the recorded operations for (db, key) in the order they
// were applied, or nil if the transaction has nothing pending for it.
func (t *Txn) Ops(db string, key []byte) []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, ok := t.byDB[db]
	if !ok {
		return nil
	}
	ko, ok := keys[string(key)]
	if !ok {
		return nil
	}
	out := make([]Op, len(ko.ops))
	copy(out, ko.ops)
	return out
}

// Keys returns every key touched in db, in no particular order; used by
// cursor.First/Last to merge the transaction's view with the B-tree's.
func (t *Txn) Keys(db string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, ok := t.byDB[db]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(keys))
	for k := range keys {
		out = append(out, []byte(k))
	}
	return out
}

// EffectiveState folds every recorded op for (db, key), in order, into
// whether the key exists and (if so) its latest value, used by cursor to
// merge the transaction's view with the B-tree's without re-deriving the
// fold logic itself. btreeExists is the key's presence in the underlying
// B-tree before any of this transaction's ops are considered.
func EffectiveState(ops []Op, btreeExists bool, btreeValue []byte) (exists bool, value []byte) {
	exists, value = btreeExists, btreeValue
	for _, op := range ops {
		switch op.Kind {
		case KindInsert, KindOverwrite, KindDuplicateInsert:
			exists = true
			value = op.Value
		case KindErase:
			if op.RefIndex < 0 {
				exists = false
			}
		}
	}
	return exists, value
}

// Commit marks the transaction closed and successful. Callers that want
// a committed transaction's writes to become visible via plain,
// txn-less reads must apply every recorded Op to the underlying B-tree
// indexes first — env.Environment.Commit does this before calling Commit
// here, walking Keys/Ops per database and replaying each op in order.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = StateCommitted
	return nil
}

// Abort discards every recorded operation without applying it.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireActive(); err != nil {
		return err
	}
	t.state = StateAborted
	t.byDB = make(map[string]map[string]*keyOps)
	return nil
}

// State reports the transaction's current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
