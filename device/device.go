// Package device implements the raw byte-storage layer beneath the page
// cache: a fixed-size-page file, or a growable in-memory region, with no
// knowledge of page headers, B-trees or blobs (spec.md §4.1).
package device

import (
	"io"
	"os"

	"github.com/duskdb/kvengine/common"
)

// Device is the interface PageManager uses to read and write fixed-size
// pages and to grow the backing store.
type Device interface {
	// Create truncates/creates the backing store for a brand new
	// environment.
	Create() error
	// Open opens an existing backing store.
	Open() error
	// Close releases the device.
	Close() error

	// ReadPage reads one page-sized block at the given page address
	// (a byte offset) into buf.
	ReadPage(address uint64, buf []byte) error
	// WritePage writes one page-sized block at the given address.
	WritePage(address uint64, buf []byte) error

	// AllocPage extends the backing store by one page and returns its
	// address.
	AllocPage() (uint64, error)

	// Truncate shrinks or grows the backing store to the given size.
	// Shrinking below the current size is always permitted.
	Truncate(size uint64) error
	// Filesize returns the current size of the backing store.
	Filesize() (uint64, error)

	// Flush forces buffered writes to stable storage.
	Flush() error

	// ReadOnly reports whether the device rejects writes.
	ReadOnly() bool

	// LockFD returns the file descriptor env locks with flock(2) and
	// whether the device backs one at all (the in-memory device does
	// not, and advisory locking is a no-op for it).
	LockFD() (uintptr, bool)
}

// Config configures a Device instance.
type Config struct {
	Path     string
	PageSize int
	ReadOnly bool
	InMemory bool
}

// New constructs a file-backed or memory-backed Device depending on
// cfg.InMemory, mirroring the two Device variants spec.md §4.1 describes.
func New(cfg Config) Device {
	if cfg.InMemory {
		return newMemoryDevice(cfg)
	}
	return newFileDevice(cfg)
}

// fileDevice is the durable, file-backed variant, reading and writing
// pages with ReadAt/WriteAt.
type fileDevice struct {
	cfg  Config
	file *os.File
}

func newFileDevice(cfg Config) *fileDevice {
	return &fileDevice{cfg: cfg}
}

func (d *fileDevice) Create() error {
	flags := os.O_RDWR | os.O_CREATE | os.O_TRUNC
	f, err := os.OpenFile(d.cfg.Path, flags, 0644)
	if err != nil {
		return common.ErrIO
	}
	d.file = f
	return nil
}

func (d *fileDevice) Open() error {
	flags := os.O_RDWR
	if d.cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.cfg.Path, flags, 0644)
	if err != nil {
		return common.ErrIO
	}
	d.file = f
	return nil
}

func (d *fileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	if err != nil {
		return common.ErrIO
	}
	return nil
}

func (d *fileDevice) ReadPage(address uint64, buf []byte) error {
	n, err := d.file.ReadAt(buf, int64(address))
	if err != nil && err != io.EOF {
		return common.ErrIO
	}
	if n != len(buf) {
		return common.ErrIO
	}
	return nil
}

func (d *fileDevice) WritePage(address uint64, buf []byte) error {
	if d.cfg.ReadOnly {
		return common.ErrWriteProtected
	}
	if _, err := d.file.WriteAt(buf, int64(address)); err != nil {
		return common.ErrIO
	}
	return nil
}

func (d *fileDevice) AllocPage() (uint64, error) {
	if d.cfg.ReadOnly {
		return 0, common.ErrWriteProtected
	}
	size, err := d.Filesize()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, d.cfg.PageSize)
	if _, err := d.file.WriteAt(buf, int64(size)); err != nil {
		return 0, common.ErrIO
	}
	return size, nil
}

func (d *fileDevice) Truncate(size uint64) error {
	if err := d.file.Truncate(int64(size)); err != nil {
		return common.ErrIO
	}
	return nil
}

func (d *fileDevice) Filesize() (uint64, error) {
	stat, err := d.file.Stat()
	if err != nil {
		return 0, common.ErrIO
	}
	return uint64(stat.Size()), nil
}

func (d *fileDevice) Flush() error {
	if d.cfg.ReadOnly {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return common.ErrIO
	}
	return nil
}

func (d *fileDevice) ReadOnly() bool { return d.cfg.ReadOnly }

func (d *fileDevice) LockFD() (uintptr, bool) {
	if d.file == nil {
		return 0, false
	}
	return d.file.Fd(), true
}

// memoryDevice is the in-memory-only variant. Open/Truncate/Filesize are
// unsupported per spec.md §4.1.
type memoryDevice struct {
	cfg  Config
	data []byte
}

func newMemoryDevice(cfg Config) *memoryDevice {
	return &memoryDevice{cfg: cfg}
}

func (d *memoryDevice) Create() error {
	d.data = make([]byte, 0, d.cfg.PageSize*16)
	return nil
}

func (d *memoryDevice) Open() error {
	return common.ErrNotImplemented
}

func (d *memoryDevice) Close() error {
	d.data = nil
	return nil
}

func (d *memoryDevice) ReadPage(address uint64, buf []byte) error {
	end := address + uint64(len(buf))
	if end > uint64(len(d.data)) {
		return common.ErrIO
	}
	copy(buf, d.data[address:end])
	return nil
}

func (d *memoryDevice) WritePage(address uint64, buf []byte) error {
	end := address + uint64(len(buf))
	if end > uint64(len(d.data)) {
		return common.ErrIO
	}
	copy(d.data[address:end], buf)
	return nil
}

func (d *memoryDevice) AllocPage() (uint64, error) {
	address := uint64(len(d.data))
	d.data = append(d.data, make([]byte, d.cfg.PageSize)...)
	return address, nil
}

func (d *memoryDevice) Truncate(size uint64) error {
	return common.ErrNotImplemented
}

func (d *memoryDevice) Filesize() (uint64, error) {
	return 0, common.ErrNotImplemented
}

func (d *memoryDevice) Flush() error { return nil }

func (d *memoryDevice) ReadOnly() bool { return false }

func (d *memoryDevice) LockFD() (uintptr, bool) { return 0, false }
