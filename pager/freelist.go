package pager

import (
	"encoding/binary"
	"sort"
	"sync"
)

// Spread is the number of power-of-two size classes the freelist buckets
// extents into (spec.md §4.3): class i holds extents of [2^i, 2^(i+1))
// chunks, with the topmost class absorbing anything larger.
const Spread = 12

// extent is one free byte range: [Address, Address+Size).
type extent struct {
	Address uint64
	Size    uint64
}

// Freelist tracks reusable byte ranges inside the file, grouped into
// power-of-two size classes measured in chunkSize units (spec.md §4.3).
// The teacher's pager had a FreeListPtr field that was read from and
// written to the metadata page but never actually populated or consulted
// ("// TODO: Implement free list allocation" in btree/pager.go) — this
// fills that gap with the full size-classed structure the spec describes.
type Freelist struct {
	mu        sync.Mutex
	chunkSize uint64
	buckets   [Spread]map[uint64]uint64 // address -> size, sorted lazily on alloc
	dirty     bool
}

// NewFreelist creates an empty freelist with the given chunk size
// (typically the database's blob alignment, e.g. 32 bytes).
func NewFreelist(chunkSize uint64) *Freelist {
	f := &Freelist{chunkSize: chunkSize}
	for i := range f.buckets {
		f.buckets[i] = make(map[uint64]uint64)
	}
	return f
}

func (f *Freelist) classOf(size uint64) int {
	chunks := size / f.chunkSize
	if chunks == 0 {
		chunks = 1
	}
	class := 0
	for chunks > 1 && class < Spread-1 {
		chunks >>= 1
		class++
	}
	return class
}

// Alloc returns the lowest-addressed free extent of at least size bytes
// from the appropriate (and all larger) size classes, first-fit within
// the class, tie-broken toward the lowest address. If aligned is true the
// returned address must already be page-aligned; non-aligned leftovers
// are kept in the freelist rather than returned.
func (f *Freelist) Alloc(size uint64, aligned bool, alignment uint64) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	startClass := f.classOf(size)
	for class := startClass; class < Spread; class++ {
		bucket := f.buckets[class]
		if len(bucket) == 0 {
			continue
		}

		addrs := make([]uint64, 0, len(bucket))
		for a := range bucket {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

		for _, addr := range addrs {
			extSize := bucket[addr]
			if extSize < size {
				continue
			}
			if aligned && addr%alignment != 0 {
				continue
			}

			delete(bucket, addr)
			f.dirty = true

			remainder := extSize - size
			// If the remainder is smaller than the minimum chunk, take
			// the whole extent rather than leaving an unusable sliver
			// (spec.md §4.2 alloc_blob_space rule).
			if remainder >= f.chunkSize {
				f.insertLocked(addr+size, remainder)
				return addr, true
			}
			return addr, true
		}
	}
	return 0, false
}

// Free returns an extent to the freelist, coalescing with adjacent free
// extents. Coalescing does not look at page boundaries: an extent merges
// with any free extent that ends where it starts or starts where it ends,
// even when the two lie in different pages.
func (f *Freelist) Free(address, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertLocked(address, size)
}

func (f *Freelist) insertLocked(address, size uint64) {
	if size == 0 {
		return
	}
	f.dirty = true

	// Try to coalesce with an extent that immediately precedes or
	// follows this one in any bucket.
	for class := range f.buckets {
		bucket := f.buckets[class]
		for addr, sz := range bucket {
			if addr+sz == address {
				delete(bucket, addr)
				f.insertLocked(addr, sz+size)
				return
			}
			if address+size == addr {
				delete(bucket, addr)
				f.insertLocked(address, size+sz)
				return
			}
		}
	}

	class := f.classOf(size)
	f.buckets[class][address] = size
}

// Extents returns a snapshot of all free extents, used to persist and to
// restore freelist state across open/close.
func (f *Freelist) Extents() []extent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []extent
	for _, bucket := range f.buckets {
		for addr, size := range bucket {
			out = append(out, extent{Address: addr, Size: size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Restore replaces the freelist contents with the given extents (used
// when loading persisted freelist state on environment open).
func (f *Freelist) Restore(extents []extent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.buckets {
		f.buckets[i] = make(map[uint64]uint64)
	}
	for _, e := range extents {
		class := f.classOf(e.Size)
		f.buckets[class][e.Address] = e.Size
	}
}

// Dirty reports whether the freelist has changed since it was last
// persisted.
func (f *Freelist) Dirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// ClearDirty marks the freelist clean, called once its current state has
// been persisted to its PageManagerState page.
func (f *Freelist) ClearDirty() {
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
}

// Encode serializes the freelist into buf, used to persist it onto a
// PageManagerState page. Layout: u32 count, then count*(u64 address, u64
// size). Returns false if buf is too small.
func (f *Freelist) Encode(buf []byte) bool {
	extents := f.Extents()
	need := 4 + len(extents)*16
	if len(buf) < need {
		return false
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(extents)))
	off := 4
	for _, e := range extents {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Address)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Size)
		off += 16
	}
	return true
}

// Decode restores freelist state previously written by Encode.
func (f *Freelist) Decode(buf []byte) {
	if len(buf) < 4 {
		return
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	extents := make([]extent, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+16 > len(buf) {
			break
		}
		addr := binary.LittleEndian.Uint64(buf[off : off+8])
		size := binary.LittleEndian.Uint64(buf[off+8 : off+16])
		extents = append(extents, extent{Address: addr, Size: size})
		off += 16
	}
	f.Restore(extents)
}
