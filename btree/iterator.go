package btree

import (
	"bytes"

	"github.com/duskdb/kvengine/common"
)

// Iterator implements forward range scanning over the tree's leaf
// chain, following sibling pointers (spec.md §4.6) rather than
// re-descending from the root for every key.
type Iterator struct {
	idx       *Index
	page      *node
	slotIndex int
	endKey    []byte
	err       error
	started   bool
	firstCall bool
}

// Scan returns a common.Iterator over [startKey, endKey); an empty
// startKey begins at the smallest key, a nil endKey scans to the end.
func (idx *Index) Scan(startKey, endKey []byte) (common.Iterator, error) {
	it := &Iterator{idx: idx, endKey: endKey}
	if err := it.seek(startKey); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Iterator) seek(startKey []byte) error {
	idx := it.idx
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	addr := idx.rootAddr
	for {
		n, err := idx.fetch(addr)
		if err != nil {
			it.err = err
			return err
		}
		if n.leaf() {
			it.page = n
			if len(startKey) == 0 {
				it.slotIndex = 0
			} else {
				i, _, err := idx.search(n, startKey)
				if err != nil {
					it.err = err
					return err
				}
				it.slotIndex = i
			}
			it.started = true
			it.firstCall = true
			return nil
		}
		addr = idx.childAt(n, startKey)
	}
}

// Next advances the iterator; the first call after seek validates the
// seeked-to position without advancing past it.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.started || it.page == nil {
		return false
	}

	if !it.firstCall {
		it.slotIndex++
	} else {
		it.firstCall = false
	}

	for it.slotIndex >= it.page.count() {
		next := it.page.rightSibling()
		if next == 0 {
			it.page = nil
			return false
		}
		n, err := it.idx.fetch(next)
		if err != nil {
			it.err = err
			return false
		}
		it.page = n
		it.slotIndex = 0
	}

	if it.endKey != nil {
		key, err := effectiveKey(it.page.slotAt(it.slotIndex), it.idx.fetchKeyBlob)
		if err != nil {
			it.err = err
			return false
		}
		if bytes.Compare(key, it.endKey) >= 0 {
			it.page = nil
			return false
		}
	}
	return true
}

func (it *Iterator) Key() []byte {
	if it.page == nil {
		return nil
	}
	key, err := effectiveKey(it.page.slotAt(it.slotIndex), it.idx.fetchKeyBlob)
	if err != nil {
		it.err = err
		return nil
	}
	return key
}

func (it *Iterator) Value() []byte {
	if it.page == nil {
		return nil
	}
	v, err := it.idx.readRecord(it.page.slotAt(it.slotIndex))
	if err != nil {
		it.err = err
		return nil
	}
	return v
}

func (it *Iterator) Error() error { return it.err }

func (it *Iterator) Close() error {
	it.page = nil
	return nil
}
