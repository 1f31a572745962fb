package btree

import (
	"bytes"

	"github.com/duskdb/kvengine/common"
)

// ReverseIterator walks the leaf chain backward via leftSibling pointers,
// the mirror image of Iterator (spec.md §4.7 cursor_move(Previous)).
type ReverseIterator struct {
	idx       *Index
	page      *node
	slotIndex int
	err       error
	started   bool
}

// ScanReverse returns a common.Iterator positioned at the largest key
// <= fromKey (or the last key in the tree if fromKey is nil), walking
// backward on each Next call.
func (idx *Index) ScanReverse(fromKey []byte) (common.Iterator, error) {
	it := &ReverseIterator{idx: idx}
	if err := it.seek(fromKey); err != nil {
		return nil, err
	}
	return it, nil
}

// seek positions the iterator one slot past its eventual landing spot;
// Next always decrements first, so every caller (nil fromKey, exact
// match, or between two keys) shares the same advance logic below.
func (it *ReverseIterator) seek(fromKey []byte) error {
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
			if len(fromKey) == 0 {
				it.slotIndex = n.count()
			} else {
				i, found, err := idx.search(n, fromKey)
				if err != nil {
					it.err = err
					return err
				}
				if found {
					it.slotIndex = i + 1
				} else {
					it.slotIndex = i
				}
			}
			it.started = true
			return nil
		}
		if len(fromKey) == 0 {
			if c := n.count(); c > 0 {
				addr = n.slotAt(c - 1).ptr
			} else {
				addr = n.ptrLeft()
			}
		} else {
			addr = idx.childAt(n, fromKey)
		}
	}
}

// Next moves one key backward.
func (it *ReverseIterator) Next() bool {
	if it.err != nil || !it.started || it.page == nil {
		return false
	}

	for {
		it.slotIndex--
		if it.slotIndex >= 0 {
			break
		}
		prev := it.page.leftSibling()
		if prev == 0 {
			it.page = nil
			return false
		}
		n, err := it.idx.fetch(prev)
		if err != nil {
			it.err = err
			return false
		}
		it.page = n
		it.slotIndex = n.count()
	}
	return true
}

func (it *ReverseIterator) Key() []byte {
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

func (it *ReverseIterator) Value() []byte {
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

func (it *ReverseIterator) Error() error { return it.err }

func (it *ReverseIterator) Close() error {
	it.page = nil
	return nil
}

// First returns the smallest key in the tree.
func (idx *Index) First() (key, value []byte, err error) {
	it, err := idx.Scan(nil, nil)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	if !it.Next() {
		if err := it.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, common.ErrKeyNotFound
	}
	return it.Key(), it.Value(), nil
}

// Last returns the largest key in the tree.
func (idx *Index) Last() (key, value []byte, err error) {
	it, err := idx.ScanReverse(nil)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	if !it.Next() {
		if err := it.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, common.ErrKeyNotFound
	}
	return it.Key(), it.Value(), nil
}

// NextKey returns the smallest key strictly greater than key.
func (idx *Index) NextKey(key []byte) (nk, value []byte, err error) {
	it, err := idx.Scan(key, nil)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	for it.Next() {
		if !bytes.Equal(it.Key(), key) {
			return it.Key(), it.Value(), nil
		}
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return nil, nil, common.ErrKeyNotFound
}

// PreviousKey returns the largest key strictly smaller than key.
func (idx *Index) PreviousKey(key []byte) (pk, value []byte, err error) {
	it, err := idx.ScanReverse(key)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	for it.Next() {
		if !bytes.Equal(it.Key(), key) {
			return it.Key(), it.Value(), nil
		}
	}
	if err := it.Error(); err != nil {
		return nil, nil, err
	}
	return nil, nil, common.ErrKeyNotFound
}
