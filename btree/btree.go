package btree

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/page"
	"github.com/duskdb/kvengine/pager"
)

// Config describes one index's fixed layout and duplicate policy
// (spec.md §4.6).
type Config struct {
	PageSize        int
	KeySize         int // inline key capacity; longer keys spill to blob
	AllowDuplicates bool
}

// Index is the fixed-slot B+-tree described in spec.md §4.6: every node
// lives in one page, every slot in a node has the same size, and keys
// longer than cfg.KeySize spill into the blob store behind a prefix
// left inline for fast comparisons.
type Index struct {
	pm     *pager.PageManager
	blobs  blob.Manager
	dups   *dupstore.Store
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	rootAddr uint64
	keySize  int
	maxKeys  int

	numKeys int64

	latches *LatchManager
}

// Create allocates a fresh, empty root leaf and returns a new Index.
func Create(pm *pager.PageManager, blobs blob.Manager, dups *dupstore.Store, cfg Config, logger zerolog.Logger) (*Index, error) {
	root, err := pm.AllocPage(page.TypeBtreeRoot)
	if err != nil {
		return nil, err
	}
	n := wrap(root, cfg.KeySize)
	n.init(true)

	return &Index{
		pm:       pm,
		blobs:    blobs,
		dups:     dups,
		cfg:      cfg,
		logger:   logger.With().Str("component", "btree").Logger(),
		rootAddr: root.Address(),
		keySize:  cfg.KeySize,
		maxKeys:  maxKeysFor(cfg.PageSize, cfg.KeySize),
		latches:  NewLatchManager(),
	}, nil
}

// Open reconstructs an Index over an already-existing root page address
// (read from the database descriptor on environment open).
func Open(pm *pager.PageManager, blobs blob.Manager, dups *dupstore.Store, cfg Config, rootAddr uint64, numKeys int64, logger zerolog.Logger) *Index {
	return &Index{
		pm:       pm,
		blobs:    blobs,
		dups:     dups,
		cfg:      cfg,
		logger:   logger.With().Str("component", "btree").Logger(),
		rootAddr: rootAddr,
		keySize:  cfg.KeySize,
		maxKeys:  maxKeysFor(cfg.PageSize, cfg.KeySize),
		numKeys:  numKeys,
		latches:  NewLatchManager(),
	}
}

// RootAddress returns the current root page address, for persistence in
// the database descriptor.
func (idx *Index) RootAddress() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.rootAddr
}

// NumKeys returns the number of records the index holds, as counted by
// this Index value's inserts and erases; each duplicate of a key counts
// as one record.
func (idx *Index) NumKeys() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.numKeys
}

func (idx *Index) fetch(addr uint64) (*node, error) {
	p, err := idx.pm.FetchPage(addr, false)
	if err != nil {
		return nil, err
	}
	return wrap(p, idx.keySize), nil
}

func (idx *Index) fetchKeyBlob(addr uint64) ([]byte, error) {
	return idx.blobs.Read(addr)
}

// search returns the index of the first slot whose key is >= key, and
// whether that slot's key equals key exactly (spec.md §4.6 search rule:
// "lowest slot not less than key").
func (idx *Index) search(n *node, key []byte) (int, bool, error) {
	count := n.count()
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		s := n.slotAt(mid)
		cmp, err := compareSlot(s, key, idx.fetchKeyBlob)
		if err != nil {
			return 0, false, err
		}
		if cmp == 0 {
			return mid, true, nil
		}
		if cmp < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, false, nil
}

// Find looks up key and returns its record bytes (spec.md §4.6 Find).
// For a duplicate key it returns the first duplicate's record, matching
// the teacher's single-valued Get semantics; callers needing every
// duplicate use cursor.Cursor instead.
//
// Find latch-couples down the tree (spec.md §5) while holding idx.mu
// shared, so concurrent reads proceed without blocking each other;
// Insert and Erase take idx.mu exclusively for the whole operation since
// they may restructure multiple levels at once, so a Find never runs
// while one of them is mid-restructure.
func (idx *Index) Find(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	rootAddr := idx.rootAddr

	c := NewCoupling(idx.latches)
	defer c.ReleaseAll()

	addr := rootAddr
	for {
		c.Acquire(addr, LatchRead)
		n, err := idx.fetch(addr)
		if err != nil {
			return nil, err
		}
		if n.leaf() {
			i, found, err := idx.search(n, key)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, common.ErrKeyNotFound
			}
			return idx.readRecord(n.slotAt(i))
		}
		addr = idx.childAt(n, key)
		c.ReleaseParent()
	}
}

func (idx *Index) readRecord(s slot) ([]byte, error) {
	if s.flags&slotDuplicate != 0 {
		e, err := idx.dups.Get(s.ptr, 0)
		if err != nil {
			return nil, err
		}
		return idx.blobs.Read(e.RID)
	}
	return idx.blobs.Read(s.ptr)
}

// childAt returns the child address to follow for key in an internal
// node: ptrLeft if key is smaller than every slot key, otherwise the
// pointer of the last slot whose key is <= key.
func (idx *Index) childAt(n *node, key []byte) uint64 {
	i, found, err := idx.search(n, key)
	if err != nil {
		return n.ptrLeft()
	}
	if found {
		return n.slotAt(i).ptr
	}
	if i == 0 {
		return n.ptrLeft()
	}
	return n.slotAt(i - 1).ptr
}

func (idx *Index) encodeKey(key []byte) (slot, error) {
	s := slot{keyLen: len(key), inline: make([]byte, idx.keySize)}
	if len(key) <= idx.keySize {
		copy(s.inline, key)
		return s, nil
	}
	s.flags |= slotExtendedKey
	prefixLen := idx.keySize - 8
	copy(s.inline, key[:prefixLen])
	addr, err := idx.blobs.Allocate(key, nil)
	if err != nil {
		return slot{}, err
	}
	s.extBlob = addr
	return s, nil
}

// Insert inserts or updates key. If the index allows duplicates and key
// already exists, value is added as a new duplicate per spec.md §4.6;
// otherwise an existing key's value is overwritten in place.
func (idx *Index) Insert(key, value []byte) error {
	return idx.InsertPartial(key, value, nil)
}

// InsertPartial is Insert with spec.md §4.4/§6's Partial I/O contract: if
// partial is non-nil, value supplies only the touched window of a
// logical record whose full size is partial.TotalSize, and the rest of
// the record reads back zero-filled (fresh insert) or unchanged
// (overwriting an existing key without duplicates).
func (idx *Index) InsertPartial(key, value []byte, partial *blob.Partial) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	promo, err := idx.insertRec(idx.rootAddr, key, value, partial)
	if err != nil {
		return err
	}
	if promo != nil {
		if err := idx.growRoot(promo); err != nil {
			return err
		}
	}
	return nil
}

// promotion describes a separator key and right-sibling address that
// must be inserted into the parent after a child split.
type promotion struct {
	keySlot slot
	addr    uint64
}

func (idx *Index) growRoot(promo *promotion) error {
	newRoot, err := idx.pm.AllocPage(page.TypeBtreeRoot)
	if err != nil {
		return err
	}
	n := wrap(newRoot, idx.keySize)
	n.init(false)
	n.setPtrLeft(idx.rootAddr)
	s := promo.keySlot
	s.ptr = promo.addr
	n.insertAt(0, s)
	idx.rootAddr = newRoot.Address()
	return nil
}

// insertRec recursively descends to the correct leaf, inserts, and
// propagates a split promotion back up the call stack as needed. partial
// only applies at the leaf that actually stores key's record.
func (idx *Index) insertRec(addr uint64, key, value []byte, partial *blob.Partial) (*promotion, error) {
	n, err := idx.fetch(addr)
	if err != nil {
		return nil, err
	}

	if n.leaf() {
		return idx.insertLeaf(n, key, value, partial)
	}

	child := idx.childAt(n, key)
	promo, err := idx.insertRec(child, key, value, partial)
	if err != nil {
		return nil, err
	}
	if promo == nil {
		return nil, nil
	}
	return idx.insertInternalSlot(n, promo)
}

func (idx *Index) insertLeaf(n *node, key, value []byte, partial *blob.Partial) (*promotion, error) {
	i, found, err := idx.search(n, key)
	if err != nil {
		return nil, err
	}

	if found {
		return nil, idx.applyDuplicateOrOverwrite(n, i, key, value, partial)
	}

	recAddr, err := idx.blobs.Allocate(value, partial)
	if err != nil {
		return nil, err
	}
	s, err := idx.encodeKey(key)
	if err != nil {
		return nil, err
	}
	s.ptr = recAddr

	if n.count() < idx.maxKeys {
		n.insertAt(i, s)
		idx.pm.MarkDirty(n.p)
		idx.numKeys++
		return nil, nil
	}

	return idx.splitLeafAndInsert(n, i, s)
}

// applyDuplicateOrOverwrite handles inserting into a slot whose key
// already exists: without duplicates, the value is overwritten in
// place; with duplicates allowed, the slot is converted to (or extended
// as) a duplicate table (spec.md §4.6).
func (idx *Index) applyDuplicateOrOverwrite(n *node, i int, key, value []byte, partial *blob.Partial) error {
	s := n.slotAt(i)

	if !idx.cfg.AllowDuplicates {
		if s.flags&slotDuplicate != 0 {
			return fmt.Errorf("btree: existing duplicate table for non-duplicate index: %w", common.ErrIntegrityViolated)
		}
		newAddr, err := idx.blobs.Overwrite(s.ptr, value, partial)
		if err != nil {
			return err
		}
		s.ptr = newAddr
		n.setSlot(i, s)
		idx.pm.MarkDirty(n.p)
		return nil
	}

	// Duplicate inserts always store a full record; Partial only applies
	// to the non-duplicate overwrite-in-place path above (spec.md §4.4's
	// contract is phrased for db_insert/db_find against a single record,
	// not the duplicate table).
	recAddr, err := idx.blobs.Allocate(value, nil)
	if err != nil {
		return err
	}

	if s.flags&slotDuplicate != 0 {
		newTable, _, err := idx.dups.Insert(s.ptr, dupstore.Entry{RID: recAddr}, dupstore.PositionLast, 0)
		if err != nil {
			return err
		}
		s.ptr = newTable
		n.setSlot(i, s)
		idx.pm.MarkDirty(n.p)
		idx.numKeys++
		return nil
	}

	tableAddr, err := idx.dups.Create(dupstore.Entry{RID: s.ptr})
	if err != nil {
		return err
	}
	tableAddr, _, err = idx.dups.Insert(tableAddr, dupstore.Entry{RID: recAddr}, dupstore.PositionLast, 0)
	if err != nil {
		return err
	}
	s.ptr = tableAddr
	s.flags |= slotDuplicate
	n.setSlot(i, s)
	idx.pm.MarkDirty(n.p)
	idx.numKeys++
	return nil
}

func (idx *Index) insertInternalSlot(n *node, promo *promotion) (*promotion, error) {
	i, _, err := idx.search(n, effectiveKeyOf(promo.keySlot))
	if err != nil {
		return nil, err
	}

	s := promo.keySlot
	s.ptr = promo.addr

	if n.count() < idx.maxKeys {
		n.insertAt(i, s)
		idx.pm.MarkDirty(n.p)
		return nil, nil
	}
	return idx.splitInternalAndInsert(n, i, s)
}

// effectiveKeyOf returns the comparison bytes of a slot that was just
// constructed in memory and never persisted: for a non-extended slot
// that's simply the inline key; for an extended slot it's the inline
// prefix, which is enough to pick an internal insertion point since the
// prefix alone already orders correctly against any sibling separator
// sharing the same prefix length.
func effectiveKeyOf(s slot) []byte {
	if s.flags&slotExtendedKey == 0 {
		return s.inline[:s.keyLen]
	}
	return s.inline
}

// locateLeaf descends to the leaf that would hold key under the caller's
// own lock (idx.mu), returning the leaf node and the slot index key
// occupies. Used by the duplicate-table accessors below, which need to
// mutate a specific slot rather than just read a record.
func (idx *Index) locateLeaf(key []byte) (*node, int, error) {
	addr := idx.rootAddr
	for {
		n, err := idx.fetch(addr)
		if err != nil {
			return nil, 0, err
		}
		if n.leaf() {
			i, found, err := idx.search(n, key)
			if err != nil {
				return nil, 0, err
			}
			if !found {
				return nil, 0, common.ErrKeyNotFound
			}
			return n, i, nil
		}
		addr = idx.childAt(n, key)
	}
}

// DuplicateCount returns how many duplicate records key currently has (1
// for a plain, non-duplicate slot), used by cursor to build its
// duplicate cache and by cursor_get_duplicate_count (spec.md §4.7).
func (idx *Index) DuplicateCount(key []byte) (int, error) {
	if len(key) == 0 {
		return 0, common.ErrKeyEmpty
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, i, err := idx.locateLeaf(key)
	if err != nil {
		return 0, err
	}
	s := n.slotAt(i)
	if s.flags&slotDuplicate == 0 {
		return 1, nil
	}
	return idx.dups.Count(s.ptr)
}

// ReadDuplicate returns the dupIndex'th (0-based) duplicate record for
// key.
func (idx *Index) ReadDuplicate(key []byte, dupIndex int) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n, i, err := idx.locateLeaf(key)
	if err != nil {
		return nil, err
	}
	s := n.slotAt(i)
	if s.flags&slotDuplicate == 0 {
		if dupIndex != 0 {
			return nil, common.ErrKeyNotFound
		}
		return idx.blobs.Read(s.ptr)
	}
	e, err := idx.dups.Get(s.ptr, dupIndex)
	if err != nil {
		return nil, err
	}
	return idx.blobs.Read(e.RID)
}

// InsertDuplicate adds value as an additional duplicate of an existing
// key at the position mode/refIndex describe (spec.md §4.6
// DuplicateInsert{First,Last,Before,After}). key must already exist and
// the index must allow duplicates.
func (idx *Index) InsertDuplicate(key, value []byte, mode dupstore.Position, refIndex int) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	if !idx.cfg.AllowDuplicates {
		return common.ErrInvalidParameter
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, i, err := idx.locateLeaf(key)
	if err != nil {
		return err
	}
	s := n.slotAt(i)

	recAddr, err := idx.blobs.Allocate(value, nil)
	if err != nil {
		return err
	}

	if s.flags&slotDuplicate == 0 {
		tableAddr, err := idx.dups.Create(dupstore.Entry{RID: s.ptr})
		if err != nil {
			return err
		}
		s.ptr = tableAddr
		s.flags |= slotDuplicate
	}

	newTable, _, err := idx.dups.Insert(s.ptr, dupstore.Entry{RID: recAddr}, mode, refIndex)
	if err != nil {
		return err
	}
	s.ptr = newTable
	n.setSlot(i, s)
	idx.pm.MarkDirty(n.p)
	idx.numKeys++
	return nil
}

// EraseDuplicate removes the dupIndex'th duplicate of key. If it is the
// key's last remaining duplicate, the whole key is erased (equivalent to
// Erase).
func (idx *Index) EraseDuplicate(key []byte, dupIndex int) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}

	idx.mu.Lock()
	n, i, err := idx.locateLeaf(key)
	if err != nil {
		idx.mu.Unlock()
		return err
	}
	s := n.slotAt(i)
	if s.flags&slotDuplicate == 0 {
		idx.mu.Unlock()
		if dupIndex != 0 {
			return common.ErrKeyNotFound
		}
		return idx.Erase(key)
	}

	if cnt, err := idx.dups.Count(s.ptr); err == nil && cnt == 1 && dupIndex == 0 {
		// Erase frees the remaining record blob and the table itself.
		idx.mu.Unlock()
		return idx.Erase(key)
	}

	e, err := idx.dups.Get(s.ptr, dupIndex)
	if err != nil {
		idx.mu.Unlock()
		return err
	}
	newAddr, empty, err := idx.dups.Erase(s.ptr, dupIndex)
	if err != nil {
		idx.mu.Unlock()
		return err
	}
	if err := idx.blobs.Free(e.RID); err != nil {
		idx.mu.Unlock()
		return err
	}

	if empty {
		idx.mu.Unlock()
		return idx.Erase(key)
	}

	s.ptr = newAddr
	n.setSlot(i, s)
	idx.pm.MarkDirty(n.p)
	idx.numKeys--
	idx.mu.Unlock()
	return nil
}

// IntegrityCheck walks every level of the tree verifying that each
// node's key count respects maxKeys, that every non-root node holds at
// least one key, and that the keys within each node (leaf or internal)
// are non-decreasing. It does not check sibling pointers, nor that a
// child's keys lie within the bounds set by its parent's separators.
func (idx *Index) IntegrityCheck() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.checkNode(idx.rootAddr, true)
}

func (idx *Index) checkNode(addr uint64, isRoot bool) error {
	n, err := idx.fetch(addr)
	if err != nil {
		return err
	}
	count := n.count()
	if !isRoot && count == 0 {
		return fmt.Errorf("btree: non-root node %d has no keys: %w", addr, common.ErrIntegrityViolated)
	}
	if count > idx.maxKeys {
		return fmt.Errorf("btree: node %d exceeds max key count: %w", addr, common.ErrIntegrityViolated)
	}

	var prev []byte
	for i := 0; i < count; i++ {
		s := n.slotAt(i)
		key, err := effectiveKey(s, idx.fetchKeyBlob)
		if err != nil {
			return err
		}
		if prev != nil && bytes.Compare(prev, key) > 0 {
			return fmt.Errorf("btree: node %d keys out of order: %w", addr, common.ErrIntegrityViolated)
		}
		prev = key

		if !n.leaf() {
			if err := idx.checkNode(s.ptr, false); err != nil {
				return err
			}
		}
	}
	if !n.leaf() && count > 0 {
		if err := idx.checkNode(n.ptrLeft(), false); err != nil {
			return err
		}
	}
	return nil
}
