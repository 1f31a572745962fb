// Package blob implements the oversized-record store: any value whose
// encoded size exceeds the inline threshold a B-tree slot can hold is
// written here instead, and the slot stores only the blob's address
// (spec.md §4.4).
package blob

import (
	"encoding/binary"

	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/pager"
)

// headerSize is the persisted BlobHeader layout: self(8) + allocSize(8)
// + size(8).
const headerSize = 24

// Header describes one stored blob (spec.md §4.4).
type Header struct {
	Self      uint64 // the blob's own address, for self-verification
	AllocSize uint64 // bytes actually reserved (>= Size, rounded to alignment)
	Size      uint64 // logical record size
}

// Partial describes a partial write as spec.md §4.4's Partial I/O
// contract and the per-operation Partial flag (§6) define it: data
// supplies only the touched window [Offset, Offset+len(data)) of a
// logical record whose total size is TotalSize. The rest of the record
// is zero-filled for a fresh Allocate and left unchanged for an
// Overwrite of an existing blob. Per the contract, a Partial that
// actually covers the whole record (Offset == 0 and len(data) ==
// TotalSize) behaves identically to an ordinary full write.
type Partial struct {
	Offset    int
	TotalSize int
}

// applyPartial returns the full logical-size buffer a write should
// store: data verbatim when partial is nil, or data layered onto
// existing (zero-valued if nil, so untouched bytes come out zero on a
// fresh allocation) at partial.Offset otherwise.
func applyPartial(data []byte, partial *Partial, existing []byte) []byte {
	if partial == nil {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	buf := make([]byte, partial.TotalSize)
	copy(buf, existing)
	copy(buf[partial.Offset:], data)
	return buf
}

func encodeHeader(h Header, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Self)
	binary.LittleEndian.PutUint64(buf[8:16], h.AllocSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.Size)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Self:      binary.LittleEndian.Uint64(buf[0:8]),
		AllocSize: binary.LittleEndian.Uint64(buf[8:16]),
		Size:      binary.LittleEndian.Uint64(buf[16:24]),
	}
}

// Manager is the interface BtreeIndex uses to store and retrieve
// out-of-line records. diskManager backs it by pager.PageManager;
// memoryManager backs it by a flat in-memory byte arena for InMemory
// environments (spec.md §4.1's two Device variants propagate here too).
type Manager interface {
	// Allocate stores data as a new blob and returns its address. partial
	// is nil for an ordinary full-record write; non-nil implements
	// spec.md §4.4's Partial I/O contract (the rest of the record reads
	// back zero-filled).
	Allocate(data []byte, partial *Partial) (uint64, error)
	// Read returns the full logical record stored at address.
	Read(address uint64) ([]byte, error)
	// Overwrite replaces the blob at address with data (or, with
	// partial non-nil, with data layered onto the existing record's
	// untouched bytes per spec.md §4.4). If the result no longer fits in
	// the existing allocation, the blob is relocated and the new address
	// is returned; otherwise the same address is returned.
	Overwrite(address uint64, data []byte, partial *Partial) (uint64, error)
	// Free releases the blob's storage.
	Free(address uint64) error
}

// diskManager stores blobs as a header followed by the record bytes,
// allocated from pager's freelist/file-extension machinery and addressed
// in the same byte-address space as pages (spec.md §4.4).
type diskManager struct {
	pm        *pager.PageManager
	dev       device.Device
	pageSize  int
	alignment uint64
}

// NewDiskManager returns a blob Manager backed by the page manager's
// blob-space allocator.
func NewDiskManager(pm *pager.PageManager, dev device.Device, pageSize int, alignment uint64) Manager {
	return &diskManager{pm: pm, dev: dev, pageSize: pageSize, alignment: alignment}
}

func (m *diskManager) Allocate(data []byte, partial *Partial) (uint64, error) {
	buf := applyPartial(data, partial, nil)

	total := uint64(headerSize + len(buf))
	address, _, err := m.pm.AllocBlobSpace(total)
	if err != nil {
		return 0, err
	}

	allocSize := alignUp(total, m.alignment)
	out := make([]byte, allocSize)
	encodeHeader(Header{Self: address, AllocSize: allocSize, Size: uint64(len(buf))}, out)
	copy(out[headerSize:], buf)

	if err := m.writeRaw(address, out); err != nil {
		return 0, err
	}
	return address, nil
}

func (m *diskManager) Read(address uint64) ([]byte, error) {
	hbuf := make([]byte, headerSize)
	if err := m.readRaw(address, hbuf); err != nil {
		return nil, err
	}
	h := decodeHeader(hbuf)
	if h.Self != address {
		return nil, common.ErrBlobNotFound
	}

	out := make([]byte, h.Size)
	if err := m.readRaw(address+headerSize, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Overwrite implements spec.md §4.4's partial-write contract: if the new
// record fits within the existing allocation it is written in place;
// otherwise the blob is relocated to a fresh, larger allocation. With
// partial non-nil, the untouched region outside [Offset, Offset+len(data))
// is read back from the existing record first so it survives the
// rewrite unchanged, whichever path is taken.
func (m *diskManager) Overwrite(address uint64, data []byte, partial *Partial) (uint64, error) {
	hbuf := make([]byte, headerSize)
	if err := m.readRaw(address, hbuf); err != nil {
		return 0, err
	}
	h := decodeHeader(hbuf)
	if h.Self != address {
		return 0, common.ErrBlobNotFound
	}

	var existing []byte
	if partial != nil {
		existing = make([]byte, h.Size)
		if err := m.readRaw(address+headerSize, existing); err != nil {
			return 0, err
		}
	}
	buf := applyPartial(data, partial, existing)

	needed := uint64(headerSize + len(buf))
	if needed <= h.AllocSize {
		h.Size = uint64(len(buf))
		encodeHeader(h, hbuf)
		if err := m.writeRaw(address, hbuf); err != nil {
			return 0, err
		}
		if err := m.writeRaw(address+headerSize, buf); err != nil {
			return 0, err
		}
		return address, nil
	}

	if err := m.Free(address); err != nil {
		return 0, err
	}
	return m.Allocate(buf, nil)
}

func (m *diskManager) Free(address uint64) error {
	hbuf := make([]byte, headerSize)
	if err := m.readRaw(address, hbuf); err != nil {
		return err
	}
	h := decodeHeader(hbuf)
	m.pm.FreeBlob(address, h.AllocSize)
	return nil
}

// writeRaw/readRaw operate on the blob's byte address directly through
// the Device, bypassing the page cache: blob bodies are not structured
// as header+payload pages and are not candidates for the LRU (spec.md
// §4.4 — blobs larger than a page span multiple raw page-sized writes,
// smaller blobs share a page's tail with no Page wrapper at all).
func (m *diskManager) writeRaw(address uint64, data []byte) error {
	off := uint64(0)
	for off < uint64(len(data)) {
		pageAddr := (address + off) / uint64(m.pageSize) * uint64(m.pageSize)
		within := int((address + off) % uint64(m.pageSize))
		n := m.pageSize - within
		if n > len(data)-int(off) {
			n = len(data) - int(off)
		}

		buf := make([]byte, m.pageSize)
		if err := m.dev.ReadPage(pageAddr, buf); err != nil {
			return err
		}
		copy(buf[within:within+n], data[off:int(off)+n])
		if err := m.dev.WritePage(pageAddr, buf); err != nil {
			return err
		}
		off += uint64(n)
	}
	return nil
}

func (m *diskManager) readRaw(address uint64, out []byte) error {
	off := uint64(0)
	for off < uint64(len(out)) {
		pageAddr := (address + off) / uint64(m.pageSize) * uint64(m.pageSize)
		within := int((address + off) % uint64(m.pageSize))
		n := m.pageSize - within
		if n > len(out)-int(off) {
			n = len(out) - int(off)
		}

		buf := make([]byte, m.pageSize)
		if err := m.dev.ReadPage(pageAddr, buf); err != nil {
			return err
		}
		copy(out[off:int(off)+n], buf[within:within+n])
		off += uint64(n)
	}
	return nil
}

func alignUp(size, alignment uint64) uint64 {
	if alignment == 0 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}

// memoryManager stores blobs in a flat growable byte arena, used by
// InMemory environments where there is no Device to address into
// (spec.md §4.1).
type memoryManager struct {
	arena []byte
}

// NewMemoryManager returns a blob Manager backed by an in-process arena.
func NewMemoryManager() Manager {
	return &memoryManager{}
}

func (m *memoryManager) Allocate(data []byte, partial *Partial) (uint64, error) {
	buf := applyPartial(data, partial, nil)

	address := uint64(len(m.arena))
	out := make([]byte, headerSize+len(buf))
	encodeHeader(Header{Self: address, AllocSize: uint64(len(out)), Size: uint64(len(buf))}, out)
	copy(out[headerSize:], buf)
	m.arena = append(m.arena, out...)
	return address, nil
}

func (m *memoryManager) Read(address uint64) ([]byte, error) {
	if address+headerSize > uint64(len(m.arena)) {
		return nil, common.ErrBlobNotFound
	}
	h := decodeHeader(m.arena[address : address+headerSize])
	if h.Self != address {
		return nil, common.ErrBlobNotFound
	}
	end := address + headerSize + h.Size
	if end > uint64(len(m.arena)) {
		return nil, common.ErrIntegrityViolated
	}
	out := make([]byte, h.Size)
	copy(out, m.arena[address+headerSize:end])
	return out, nil
}

func (m *memoryManager) Overwrite(address uint64, data []byte, partial *Partial) (uint64, error) {
	if address+headerSize > uint64(len(m.arena)) {
		return 0, common.ErrBlobNotFound
	}
	h := decodeHeader(m.arena[address : address+headerSize])

	var existing []byte
	if partial != nil {
		existing = make([]byte, h.Size)
		copy(existing, m.arena[address+headerSize:address+headerSize+h.Size])
	}
	buf := applyPartial(data, partial, existing)

	needed := uint64(headerSize + len(buf))
	if needed <= h.AllocSize {
		h.Size = uint64(len(buf))
		encodeHeader(h, m.arena[address:address+headerSize])
		copy(m.arena[address+headerSize:address+headerSize+uint64(len(buf))], buf)
		return address, nil
	}
	return m.Allocate(buf, nil)
}

func (m *memoryManager) Free(address uint64) error {
	// The flat arena never reclaims space; memory environments are
	// intended for short-lived/test use (spec.md §4.1 Non-goals).
	return nil
}
