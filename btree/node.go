// Package btree implements the fixed-slot B+-tree index: search, insert,
// append-optimized split, and merge/redistribute on erase (spec.md
// §4.6). It generalizes the teacher's variable-length-cell B-tree
// (btree/node.go, btree/page.go) — which stored var-len cells with a
// RightPtr for keys below the first separator — into the spec's
// fixed-slot layout: every slot in a given index is the same size, keys
// beyond the inline capacity spill into the blob store, and duplicate
// keys redirect their slot's record pointer at a dupstore table instead
// of a single record.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/duskdb/kvengine/page"
)

// nodeHeaderSize: count(2) + leaf(1) + reserved(1) + ptrLeft(8) +
// leftSibling(8) + rightSibling(8).
const nodeHeaderSize = 28

const (
	nhCount    = 0
	nhLeaf     = 2
	nhReserved = 3
	nhPtrLeft  = 4
	nhLeft     = 12
	nhRight    = 20
)

// Slot flag bits.
const (
	slotExtendedKey = 1 << 0 // inline bytes are a prefix; full key lives in a blob
	slotDuplicate   = 1 << 1 // ptr addresses a dupstore table, not a single record
)

// slotOverhead: ptr(8) + keyLen(2) + flags(1).
const slotOverhead = 11

// node wraps a page.Page with the fixed-slot B-tree layout. keySize and
// slotSize are properties of the owning BtreeIndex, passed in rather
// than stored per node so every node of an index agrees on layout.
type node struct {
	p        *page.Page
	keySize  int
	slotSize int
}

func wrap(p *page.Page, keySize int) *node {
	return &node{p: p, keySize: keySize, slotSize: slotOverhead + keySize}
}

func (n *node) count() int {
	return int(binary.LittleEndian.Uint16(n.p.Payload()[nhCount:]))
}

func (n *node) setCount(c int) {
	binary.LittleEndian.PutUint16(n.p.Payload()[nhCount:], uint16(c))
	n.p.SetDirty(true)
}

func (n *node) leaf() bool { return n.p.Payload()[nhLeaf] != 0 }

func (n *node) setLeaf(v bool) {
	if v {
		n.p.Payload()[nhLeaf] = 1
	} else {
		n.p.Payload()[nhLeaf] = 0
	}
	n.p.SetDirty(true)
}

// ptrLeft is the address of the subtree holding keys smaller than the
// first slot's key, for internal nodes only.
func (n *node) ptrLeft() uint64 { return binary.LittleEndian.Uint64(n.p.Payload()[nhPtrLeft:]) }
func (n *node) setPtrLeft(addr uint64) {
	binary.LittleEndian.PutUint64(n.p.Payload()[nhPtrLeft:], addr)
	n.p.SetDirty(true)
}

func (n *node) leftSibling() uint64 { return binary.LittleEndian.Uint64(n.p.Payload()[nhLeft:]) }
func (n *node) setLeftSibling(addr uint64) {
	binary.LittleEndian.PutUint64(n.p.Payload()[nhLeft:], addr)
	n.p.SetDirty(true)
}

func (n *node) rightSibling() uint64 { return binary.LittleEndian.Uint64(n.p.Payload()[nhRight:]) }
func (n *node) setRightSibling(addr uint64) {
	binary.LittleEndian.PutUint64(n.p.Payload()[nhRight:], addr)
	n.p.SetDirty(true)
}

func (n *node) init(leaf bool) {
	n.setCount(0)
	n.setLeaf(leaf)
	n.setPtrLeft(0)
	n.setLeftSibling(0)
	n.setRightSibling(0)
}

func (n *node) slotOffset(i int) int { return nodeHeaderSize + i*n.slotSize }

type slot struct {
	ptr     uint64
	keyLen  int
	flags   byte
	inline  []byte // keySize bytes, always
	extBlob uint64 // valid only when flags&slotExtendedKey
}

func (n *node) slotAt(i int) slot {
	off := n.slotOffset(i)
	buf := n.p.Payload()[off : off+n.slotSize]
	s := slot{
		ptr:    binary.LittleEndian.Uint64(buf[0:8]),
		keyLen: int(binary.LittleEndian.Uint16(buf[8:10])),
		flags:  buf[10],
		inline: append([]byte(nil), buf[11:11+n.keySize]...),
	}
	if s.flags&slotExtendedKey != 0 {
		s.extBlob = binary.LittleEndian.Uint64(buf[11+n.keySize-8 : 11+n.keySize])
	}
	return s
}

func (n *node) setSlot(i int, s slot) {
	off := n.slotOffset(i)
	buf := n.p.Payload()[off : off+n.slotSize]
	binary.LittleEndian.PutUint64(buf[0:8], s.ptr)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(s.keyLen))
	buf[10] = s.flags
	copy(buf[11:11+n.keySize], s.inline)
	if s.flags&slotExtendedKey != 0 {
		binary.LittleEndian.PutUint64(buf[11+n.keySize-8:11+n.keySize], s.extBlob)
	}
	n.p.SetDirty(true)
}

// insertAt shifts slots [i, count) right by one and writes s at i.
func (n *node) insertAt(i int, s slot) {
	c := n.count()
	for j := c; j > i; j-- {
		n.setSlot(j, n.slotAt(j-1))
	}
	n.setSlot(i, s)
	n.setCount(c + 1)
}

// removeAt shifts slots (i, count) left by one, dropping slot i.
func (n *node) removeAt(i int) {
	c := n.count()
	for j := i; j < c-1; j++ {
		n.setSlot(j, n.slotAt(j+1))
	}
	n.setCount(c - 1)
}

// maxKeysFor computes the fixed slot capacity of a page for a given key
// size, rounded down to an even number (spec.md §4.6).
func maxKeysFor(pageSize, keySize int) int {
	payload := pageSize - page.HeaderSize
	slotSize := slotOverhead + keySize
	n := (payload - nodeHeaderSize) / slotSize
	if n%2 != 0 {
		n--
	}
	if n < 2 {
		n = 2
	}
	return n
}

// keyFetcher resolves an extended key's full bytes from its blob
// address.
type keyFetcher func(blobAddr uint64) ([]byte, error)

func effectiveKey(s slot, fetch keyFetcher) ([]byte, error) {
	if s.flags&slotExtendedKey == 0 {
		return s.inline[:s.keyLen], nil
	}
	return fetch(s.extBlob)
}

// compareSlot compares key against the slot's logical key.
func compareSlot(s slot, key []byte, fetch keyFetcher) (int, error) {
	sk, err := effectiveKey(s, fetch)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(key, sk), nil
}
