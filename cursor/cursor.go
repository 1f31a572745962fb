// Package cursor implements the dual B-tree/transaction cursor spec.md
// §4.7 describes: a cursor couples a position in the B-tree's leaf chain
// with an optional pending transaction view over the same database,
// merging the two so that iteration sees the transaction's not-yet-
// committed inserts and erases without mutating the B-tree itself.
package cursor

import (
	"bytes"
	"sync"

	"github.com/duskdb/kvengine/btree"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/txn"
)

// State is which side (if either) the cursor is currently coupled to
// (spec.md §4.7).
type State int

const (
	StateNil State = iota
	StateCoupledBtree
	StateCoupledTxn
)

// MatchFlag selects the approximate-match rule for Find (spec.md §4.6's
// search flags, re-applied at the cursor level).
type MatchFlag int

const (
	MatchExact MatchFlag = iota
	MatchLt
	MatchGt
	MatchLeq
	MatchGeq
	MatchNear
)

// dupSource identifies where one entry of the duplicate cache comes
// from: the B-tree's on-disk duplicate table, or a pending transaction
// operation layered on top of it (spec.md §4.7 duplicate cache).
type dupSource int

const (
	dupFromBtree dupSource = iota
	dupFromTxn
)

type dupEntry struct {
	source  dupSource
	btreeAt int     // index into the B-tree's duplicate table, if dupFromBtree
	op      *txn.Op // the pending op, if dupFromTxn
}

// Cursor couples a B-tree index with an optional transaction's pending
// view over the same database (spec.md §4.7). A nil txn makes the
// cursor a plain B-tree cursor.
type Cursor struct {
	idx *btree.Index
	tx  *txn.Txn
	db  string

	mu       sync.Mutex
	state    State
	key      []byte
	value    []byte
	dupCache []dupEntry
	dupPos   int
}

// New returns a cursor over idx. If tx is non-nil, the cursor's moves and
// mutations merge idx's on-disk view with tx's pending ops against
// database db.
func New(idx *btree.Index, tx *txn.Txn, db string) *Cursor {
	return &Cursor{idx: idx, tx: tx, db: db}
}

// Close decouples the cursor. Idempotent (spec.md §4.7).
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

func (c *Cursor) reset() {
	c.state = StateNil
	c.key = nil
	c.value = nil
	c.dupCache = nil
	c.dupPos = 0
}

// State reports which side the cursor is currently coupled to.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Key returns the cursor's current key, or nil if it is Nil-coupled.
func (c *Cursor) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return nil
	}
	return c.key
}

// Value returns the cursor's current record.
func (c *Cursor) Value() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return nil
	}
	return c.value
}

func (c *Cursor) ops(key []byte) []txn.Op {
	if c.tx == nil {
		return nil
	}
	return c.tx.Ops(c.db, key)
}

// btreeLookup reports whether key exists in the B-tree and, if so, its
// record. A missing key is not an error here; only I/O/corruption
// failures are.
func (c *Cursor) btreeLookup(key []byte) (exists bool, value []byte, err error) {
	v, err := c.idx.Find(key)
	if err == nil {
		return true, v, nil
	}
	if err == common.ErrKeyNotFound {
		return false, nil, nil
	}
	return false, nil, err
}

// effective folds the B-tree's view of key with any pending transaction
// ops against it (spec.md §4.7).
func (c *Cursor) effective(key []byte) (exists bool, value []byte, err error) {
	btreeExists, btreeValue, err := c.btreeLookup(key)
	if err != nil {
		return false, nil, err
	}
	ops := c.ops(key)
	if len(ops) == 0 {
		return btreeExists, btreeValue, nil
	}
	exists, value = txn.EffectiveState(ops, btreeExists, btreeValue)
	return exists, value, nil
}

func (c *Cursor) settle(key, value []byte, fromTxnOnly bool) {
	c.key = append([]byte(nil), key...)
	c.value = append([]byte(nil), value...)
	if fromTxnOnly {
		c.state = StateCoupledTxn
	} else {
		c.state = StateCoupledBtree
	}
	c.dupCache = nil
	c.dupPos = 0
}

// phantomKeys returns every key the transaction has pending ops for in
// db that does not (yet) exist in the B-tree, i.e. a pure transactional
// insert the cursor must still be able to land on (spec.md §4.7).
func (c *Cursor) phantomKeys() ([][]byte, error) {
	if c.tx == nil {
		return nil, nil
	}
	var out [][]byte
	for _, k := range c.tx.Keys(c.db) {
		exists, _, err := c.btreeLookup(k)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		ex, _, err := c.effective(k)
		if err != nil {
			return nil, err
		}
		if ex {
			out = append(out, k)
		}
	}
	return out, nil
}

// nextCandidate returns the smallest key greater than after (or the
// smallest key overall if after is nil) for which effective() reports
// existence — merging the B-tree's sorted sequence with any
// transaction-only phantom inserts (spec.md §4.7 move semantics).
func (c *Cursor) nextCandidate(after []byte) ([]byte, []byte, error) {
	phantoms, err := c.phantomKeys()
	if err != nil {
		return nil, nil, err
	}

	cur := after
	for {
		var btreeKey []byte
		var berr error
		if cur == nil {
			btreeKey, _, berr = c.idx.First()
		} else {
			btreeKey, _, berr = c.idx.NextKey(cur)
		}
		if berr != nil && berr != common.ErrKeyNotFound {
			return nil, nil, berr
		}

		var bestPhantom []byte
		for _, p := range phantoms {
			if after != nil && bytes.Compare(p, after) <= 0 {
				continue
			}
			if cur != nil && bytes.Compare(p, cur) <= 0 {
				continue
			}
			if bestPhantom == nil || bytes.Compare(p, bestPhantom) < 0 {
				bestPhantom = p
			}
		}

		var candidate []byte
		haveBtree := berr == nil
		switch {
		case haveBtree && bestPhantom != nil:
			if bytes.Compare(btreeKey, bestPhantom) <= 0 {
				candidate = btreeKey
			} else {
				candidate = bestPhantom
			}
		case haveBtree:
			candidate = btreeKey
		case bestPhantom != nil:
			candidate = bestPhantom
		default:
			return nil, nil, common.ErrKeyNotFound
		}

		exists, value, err := c.effective(candidate)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return candidate, value, nil
		}
		cur = candidate
	}
}

// previousCandidate is nextCandidate's mirror image for Previous/Last.
func (c *Cursor) previousCandidate(before []byte) ([]byte, []byte, error) {
	phantoms, err := c.phantomKeys()
	if err != nil {
		return nil, nil, err
	}

	cur := before
	for {
		var btreeKey []byte
		var berr error
		if cur == nil {
			btreeKey, _, berr = c.idx.Last()
		} else {
			btreeKey, _, berr = c.idx.PreviousKey(cur)
		}
		if berr != nil && berr != common.ErrKeyNotFound {
			return nil, nil, berr
		}

		var bestPhantom []byte
		for _, p := range phantoms {
			if before != nil && bytes.Compare(p, before) >= 0 {
				continue
			}
			if cur != nil && bytes.Compare(p, cur) >= 0 {
				continue
			}
			if bestPhantom == nil || bytes.Compare(p, bestPhantom) > 0 {
				bestPhantom = p
			}
		}

		var candidate []byte
		haveBtree := berr == nil
		switch {
		case haveBtree && bestPhantom != nil:
			if bytes.Compare(btreeKey, bestPhantom) >= 0 {
				candidate = btreeKey
			} else {
				candidate = bestPhantom
			}
		case haveBtree:
			candidate = btreeKey
		case bestPhantom != nil:
			candidate = bestPhantom
		default:
			return nil, nil, common.ErrKeyNotFound
		}

		exists, value, err := c.effective(candidate)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return candidate, value, nil
		}
		cur = candidate
	}
}

// First couples the cursor to the smallest existing key across both the
// B-tree and the transaction's pending view.
func (c *Cursor) First() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, value, err := c.nextCandidate(nil)
	if err != nil {
		c.reset()
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Last couples the cursor to the largest existing key.
func (c *Cursor) Last() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, value, err := c.previousCandidate(nil)
	if err != nil {
		c.reset()
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Next advances the cursor forward; if the current key has remaining
// duplicate-cache entries, it steps within them first (spec.md §4.7).
func (c *Cursor) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return common.ErrCursorIsNil
	}
	if c.dupCache != nil && c.dupPos+1 < len(c.dupCache) {
		c.dupPos++
		return nil
	}
	key, value, err := c.nextCandidate(c.key)
	if err != nil {
		c.reset()
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Previous retreats the cursor backward.
func (c *Cursor) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return common.ErrCursorIsNil
	}
	if c.dupCache != nil && c.dupPos > 0 {
		c.dupPos--
		return nil
	}
	key, value, err := c.previousCandidate(c.key)
	if err != nil {
		c.reset()
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Find couples the cursor to key (or its nearest neighbour per flag),
// re-applying the approximate-match rules of spec.md §4.6 at the cursor
// level.
func (c *Cursor) Find(key []byte, flag MatchFlag) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	landed, value, err := c.findLocked(key, flag)
	if err != nil {
		c.reset()
		return err
	}
	c.settle(landed, value, false)
	return nil
}

func (c *Cursor) findLocked(key []byte, flag MatchFlag) ([]byte, []byte, error) {
	exists, value, err := c.effective(key)
	if err != nil {
		return nil, nil, err
	}

	switch flag {
	case MatchExact:
		if exists {
			return key, value, nil
		}
		return nil, nil, common.ErrKeyNotFound
	case MatchGeq:
		if exists {
			return key, value, nil
		}
		return c.nextCandidate(key)
	case MatchGt:
		return c.nextCandidate(key)
	case MatchLeq:
		if exists {
			return key, value, nil
		}
		return c.previousCandidate(key)
	case MatchLt:
		return c.previousCandidate(key)
	case MatchNear:
		if exists {
			return key, value, nil
		}
		if k, v, err := c.nextCandidate(key); err == nil {
			return k, v, nil
		}
		return c.previousCandidate(key)
	default:
		return nil, nil, common.ErrInvalidParameter
	}
}

// DuplicateCount returns the number of duplicates the cursor's current
// key has, merging the B-tree's duplicate table with any pending
// transaction duplicate-insert, insert and overwrite ops against the
// same key (see buildDupCacheLocked).
func (c *Cursor) DuplicateCount() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return 0, common.ErrCursorIsNil
	}
	if err := c.buildDupCacheLocked(); err != nil {
		return 0, err
	}
	return len(c.dupCache), nil
}

// buildDupCacheLocked lazily builds the duplicate cache for the cursor's
// current key the first time it's needed, merging the B-tree's
// duplicate table (in table order) with the pending transaction's
// duplicate-insert, insert and overwrite ops on the key, each counted as
// one more entry (appended in the order they were recorded, mirroring
// PositionLast — Before/After placement within the live table is a
// refinement left for a future pass).
func (c *Cursor) buildDupCacheLocked() error {
	if c.dupCache != nil {
		return nil
	}
	exists, _, err := c.btreeLookup(c.key)
	if err != nil {
		return err
	}
	var cache []dupEntry
	if exists {
		n, err := c.idx.DuplicateCount(c.key)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			cache = append(cache, dupEntry{source: dupFromBtree, btreeAt: i})
		}
	}
	for _, op := range c.ops(c.key) {
		switch op.Kind {
		case txn.KindDuplicateInsert, txn.KindInsert, txn.KindOverwrite:
			cache = append(cache, dupEntry{source: dupFromTxn, op: &op})
		}
	}
	if cache == nil {
		cache = []dupEntry{{source: dupFromBtree, btreeAt: 0}}
	}
	c.dupCache = cache
	c.dupPos = 0
	return nil
}

// Insert delegates to the B-tree or transaction side depending on
// whether a transaction is attached (spec.md §4.7); on success the
// cursor re-couples to the inserted key.
func (c *Cursor) Insert(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		if err := c.tx.Insert(c.db, key, value); err != nil {
			return err
		}
		c.settle(key, value, true)
		return nil
	}
	if err := c.idx.Insert(key, value); err != nil {
		return err
	}
	c.settle(key, value, false)
	return nil
}

// DuplicateInsert adds value as an additional duplicate of key at the
// position mode/refIndex describe.
func (c *Cursor) DuplicateInsert(key, value []byte, mode dupstore.Position, refIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		if err := c.tx.DuplicateInsert(c.db, key, value, mode, refIndex); err != nil {
			return err
		}
		c.settle(key, value, true)
		return nil
	}
	if err := c.idx.InsertDuplicate(key, value, mode, refIndex); err != nil {
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Overwrite replaces the cursor's current key's value.
func (c *Cursor) Overwrite(value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return common.ErrCursorIsNil
	}
	key := c.key
	if c.tx != nil {
		if err := c.tx.Overwrite(c.db, key, value); err != nil {
			return err
		}
		c.settle(key, value, true)
		return nil
	}
	if err := c.idx.Insert(key, value); err != nil {
		return err
	}
	c.settle(key, value, false)
	return nil
}

// Erase removes the cursor's current key (or, if it has an active
// duplicate position, just that duplicate) and decouples the cursor.
func (c *Cursor) Erase() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateNil {
		return common.ErrCursorIsNil
	}
	key := c.key
	dupIndex := -1
	if c.dupCache != nil && len(c.dupCache) > 1 {
		dupIndex = c.dupPos
	}

	if c.tx != nil {
		if err := c.tx.Erase(c.db, key, dupIndex); err != nil {
			return err
		}
		c.reset()
		return nil
	}

	var err error
	if dupIndex >= 0 {
		err = c.idx.EraseDuplicate(key, dupIndex)
	} else {
		err = c.idx.Erase(key)
	}
	if err != nil {
		return err
	}
	c.reset()
	return nil
}
