package btree

import "github.com/duskdb/kvengine/page"

// splitLeafAndInsert splits a full leaf, inserting s at insertIdx into
// the logical sequence first. The append-optimized pivot (spec.md §4.6)
// keeps most of the page on the left when the new key extends the
// rightmost edge of the tree, since a sequential-insert workload would
// otherwise split every leaf down the middle only to immediately refill
// the left half; any other insertion position splits at the midpoint.
func (idx *Index) splitLeafAndInsert(n *node, insertIdx int, s slot) (*promotion, error) {
	entries := idx.mergedEntries(n, insertIdx, s)
	total := len(entries)

	pivot := total / 2
	if insertIdx == n.count() && n.rightSibling() == 0 {
		pivot = total - 3
		if pivot < 1 {
			pivot = total / 2
		}
	}

	rightPage, err := idx.pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		return nil, err
	}
	right := wrap(rightPage, idx.keySize)
	right.init(true)

	oldRightSibling := n.rightSibling()
	oldLeftSibling := n.leftSibling()

	n.init(true)
	n.setLeftSibling(oldLeftSibling)
	for i := 0; i < pivot; i++ {
		n.insertAt(i, entries[i])
	}
	for i := pivot; i < total; i++ {
		right.insertAt(i-pivot, entries[i])
	}

	n.setRightSibling(right.p.Address())
	right.setLeftSibling(n.p.Address())
	right.setRightSibling(oldRightSibling)
	if oldRightSibling != 0 {
		if next, err := idx.fetch(oldRightSibling); err == nil {
			next.setLeftSibling(right.p.Address())
			idx.pm.MarkDirty(next.p)
		}
	}

	idx.pm.MarkDirty(n.p)
	idx.pm.MarkDirty(right.p)
	idx.numKeys++

	sepKey, err := effectiveKey(right.slotAt(0), idx.fetchKeyBlob)
	if err != nil {
		return nil, err
	}
	sepSlot, err := idx.encodeKey(sepKey)
	if err != nil {
		return nil, err
	}
	return &promotion{keySlot: sepSlot, addr: right.p.Address()}, nil
}

// splitInternalAndInsert splits a full internal node, inserting s (a
// separator + child pointer) at insertIdx first. The middle entry is
// promoted to the parent without being duplicated into either child:
// its child pointer becomes the new right node's ptrLeft (spec.md
// §4.6). Applies the same append-optimized pivot as the leaf path,
// gated the same way (rightmost insertion position, no right sibling
// at this level yet), matching original_source's btree_insert.cc,
// which applies it uniformly to both node kinds.
func (idx *Index) splitInternalAndInsert(n *node, insertIdx int, s slot) (*promotion, error) {
	entries := idx.mergedEntries(n, insertIdx, s)
	total := len(entries)
	pivot := total / 2
	if insertIdx == n.count() && n.rightSibling() == 0 {
		pivot = total - 3
		if pivot < 1 {
			pivot = total / 2
		}
	}
	mid := entries[pivot]

	rightPage, err := idx.pm.AllocPage(page.TypeBtreeIndex)
	if err != nil {
		return nil, err
	}
	right := wrap(rightPage, idx.keySize)
	right.init(false)

	oldPtrLeft := n.ptrLeft()
	oldRightSibling := n.rightSibling()
	oldLeftSibling := n.leftSibling()
	n.init(false)
	n.setPtrLeft(oldPtrLeft)
	n.setLeftSibling(oldLeftSibling)
	for i := 0; i < pivot; i++ {
		n.insertAt(i, entries[i])
	}

	right.setPtrLeft(mid.ptr)
	for i := pivot + 1; i < total; i++ {
		right.insertAt(i-pivot-1, entries[i])
	}

	n.setRightSibling(right.p.Address())
	right.setLeftSibling(n.p.Address())
	right.setRightSibling(oldRightSibling)
	if oldRightSibling != 0 {
		if next, err := idx.fetch(oldRightSibling); err == nil {
			next.setLeftSibling(right.p.Address())
			idx.pm.MarkDirty(next.p)
		}
	}

	idx.pm.MarkDirty(n.p)
	idx.pm.MarkDirty(right.p)

	mid.ptr = right.p.Address()
	return &promotion{keySlot: mid, addr: right.p.Address()}, nil
}

// mergedEntries returns the node's existing slots plus s, in sorted
// order, without touching the page itself — used as scratch space by
// both split paths.
func (idx *Index) mergedEntries(n *node, insertIdx int, s slot) []slot {
	old := n.count()
	entries := make([]slot, 0, old+1)
	for i := 0; i < insertIdx; i++ {
		entries = append(entries, n.slotAt(i))
	}
	entries = append(entries, s)
	for i := insertIdx; i < old; i++ {
		entries = append(entries, n.slotAt(i))
	}
	return entries
}
