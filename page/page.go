// Package page implements the fixed-size page buffer shared by every
// on-disk structure in the engine: the environment header, B-tree nodes,
// blobs, duplicate tables and freelist pages all sit inside one.
package page

import (
	"encoding/binary"
	"errors"
)

// Type tags the payload a page carries. Persisted in the 4-byte flags
// word of the page header (spec.md §3).
type Type uint32

const (
	TypeUnknown          Type = 0
	TypeHeader           Type = 1
	TypeBtreeRoot        Type = 2
	TypeBtreeIndex       Type = 3
	TypeBlob             Type = 4
	TypeFreelist         Type = 5
	TypePageManagerState Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeBtreeRoot:
		return "btree-root"
	case TypeBtreeIndex:
		return "btree-index"
	case TypeBlob:
		return "blob"
	case TypeFreelist:
		return "freelist"
	case TypePageManagerState:
		return "pager-state"
	default:
		return "unknown"
	}
}

// HeaderSize is the size of the persisted page header: flags(4) +
// reserved0(4) + reserved1(4).
const HeaderSize = 12

const (
	offFlags     = 0
	offReserved0 = 4
	offReserved1 = 8
)

var ErrInvalidPageSize = errors.New("page: buffer does not match configured page size")

// Page is an in-memory descriptor wrapping one page-sized buffer. It owns
// the dirty flag, the type tag, and the bookkeeping the cache needs
// (reference count, before-image LSN, allocating transaction id); it does
// not know anything about B-tree slots, blob headers or freelist layout —
// those are payload formats owned by the packages that use them.
type Page struct {
	address  uint64
	buf      []byte
	dirty    bool
	noHeader bool // true for large-blob continuation pages: payload is the whole buffer

	// refs counts live cursor references; the pager will not evict a
	// page while refs > 0 (spec.md §4.2 eviction rule).
	refs int32

	// beforeImageLSN is the LSN under which the pre-modification image
	// of this page was last written to the log.
	beforeImageLSN uint64
	// allocTxnID is the id of the transaction that allocated this page.
	allocTxnID uint64
}

// New creates a zero-initialised page of the given type and size.
func New(address uint64, size int, typ Type) *Page {
	p := &Page{
		address: address,
		buf:     make([]byte, size),
		dirty:   true,
	}
	p.SetType(typ)
	return p
}

// NewNoHeader creates a page with no persisted header — used for blob
// continuation pages whose entire body is user payload.
func NewNoHeader(address uint64, size int) *Page {
	return &Page{
		address:  address,
		buf:      make([]byte, size),
		dirty:    true,
		noHeader: true,
	}
}

// Load wraps an existing buffer (read from a Device) as a Page. The slice
// is taken by reference, not copied, so memory-mapped buffers can be
// handed in directly without an extra copy.
func Load(address uint64, data []byte) *Page {
	return &Page{address: address, buf: data}
}

// LoadNoHeader wraps an existing buffer as a headerless page.
func LoadNoHeader(address uint64, data []byte) *Page {
	return &Page{address: address, buf: data, noHeader: true}
}

func (p *Page) Address() uint64 { return p.address }
func (p *Page) Size() int       { return len(p.buf) }
func (p *Page) Dirty() bool     { return p.dirty }
func (p *Page) SetDirty(d bool) { p.dirty = d }
func (p *Page) NoHeader() bool  { return p.noHeader }

func (p *Page) Type() Type {
	if p.noHeader {
		return TypeBlob
	}
	return Type(binary.LittleEndian.Uint32(p.buf[offFlags:]))
}

func (p *Page) SetType(t Type) {
	if p.noHeader {
		return
	}
	binary.LittleEndian.PutUint32(p.buf[offFlags:], uint32(t))
	p.dirty = true
}

// Reserved0/Reserved1 expose the header's two reserved words; no other
// package in the engine reads or writes them.
func (p *Page) Reserved0() uint32 { return binary.LittleEndian.Uint32(p.buf[offReserved0:]) }
func (p *Page) SetReserved0(v uint32) {
	binary.LittleEndian.PutUint32(p.buf[offReserved0:], v)
	p.dirty = true
}
func (p *Page) Reserved1() uint32 { return binary.LittleEndian.Uint32(p.buf[offReserved1:]) }
func (p *Page) SetReserved1(v uint32) {
	binary.LittleEndian.PutUint32(p.buf[offReserved1:], v)
	p.dirty = true
}

// Payload returns the mutable region of the page after the header (or
// the entire buffer, for headerless blob continuation pages).
func (p *Page) Payload() []byte {
	if p.noHeader {
		return p.buf
	}
	return p.buf[HeaderSize:]
}

// Data returns the raw page buffer, header included.
func (p *Page) Data() []byte { return p.buf }

func (p *Page) BeforeImageLSN() uint64     { return p.beforeImageLSN }
func (p *Page) SetBeforeImageLSN(l uint64) { p.beforeImageLSN = l }
func (p *Page) AllocTxnID() uint64         { return p.allocTxnID }
func (p *Page) SetAllocTxnID(id uint64)    { p.allocTxnID = id }

// AddRef/Release track live cursor references to this page.
func (p *Page) AddRef()  { p.refs++ }
func (p *Page) Release() { p.refs-- }
func (p *Page) Refs() int32 { return p.refs }

// Clone returns a deep copy of the page that does not alias the cache's
// live buffer.
func (p *Page) Clone() *Page {
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &Page{
		address:  p.address,
		buf:      buf,
		dirty:    p.dirty,
		noHeader: p.noHeader,
	}
}
