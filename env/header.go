package env

import (
	"encoding/binary"

	"github.com/duskdb/kvengine/common"
)

// magicHAM/magicUPS are the two 4-byte tags env_open recognises (spec.md
// §6's "HAM\0 or equivalent 4-byte tag") — duskdb always writes magicHAM
// on create, but opens either, mirroring hamsterdb's historical
// rebrand-to-upscaledb file-format continuity.
var (
	magicHAM = [4]byte{'H', 'A', 'M', 0}
	magicUPS = [4]byte{'U', 'P', 'S', 0}
)

var fileVersion = [4]byte{1, 0, 0, 0}

// descriptorSize is one DatabaseDescriptor's on-disk size (spec.md §6):
// name(2) + pad(2) + flags(4) + maxKeys(4) + keySize(4) + rootAddress(8)
// + keyType(4) + reserved(4).
const descriptorSize = 32

// headerFixedSize is everything in the environment header page before
// the descriptor array: magic(4) + version(4) + serialno(4) + pagesize(4)
// + maxDatabases(2) + reserved(2) + freelistPage(8).
const headerFixedSize = 28

// DatabaseFlags mirrors spec.md §6's per-database runtime flags relevant
// at the descriptor level.
type DatabaseFlags uint32

const (
	DBFlagDuplicates DatabaseFlags = 1 << iota
)

// descriptor is one slot of the environment header's database table. A
// zero Name means the slot is free.
type descriptor struct {
	Name        uint16
	Flags       DatabaseFlags
	MaxKeys     uint32
	KeySize     uint32
	RootAddress uint64
	KeyType     uint32
}

func encodeDescriptor(d descriptor, buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], d.Name)
	binary.LittleEndian.PutUint16(buf[2:4], 0) // pad
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Flags))
	binary.LittleEndian.PutUint32(buf[8:12], d.MaxKeys)
	binary.LittleEndian.PutUint32(buf[12:16], d.KeySize)
	binary.LittleEndian.PutUint64(buf[16:24], d.RootAddress)
	binary.LittleEndian.PutUint32(buf[24:28], d.KeyType)
	binary.LittleEndian.PutUint32(buf[28:32], 0) // reserved
}

func decodeDescriptor(buf []byte) descriptor {
	return descriptor{
		Name:        binary.LittleEndian.Uint16(buf[0:2]),
		Flags:       DatabaseFlags(binary.LittleEndian.Uint32(buf[4:8])),
		MaxKeys:     binary.LittleEndian.Uint32(buf[8:12]),
		KeySize:     binary.LittleEndian.Uint32(buf[12:16]),
		RootAddress: binary.LittleEndian.Uint64(buf[16:24]),
		KeyType:     binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// header is the decoded environment header page (spec.md §6).
type header struct {
	Magic        [4]byte
	Version      [4]byte
	Serial       uint32
	PageSize     uint32
	MaxDatabases uint16
	// FreelistPage is the address of the PageManagerState page the
	// pager.Freelist is persisted to, or 0 before one has been allocated.
	FreelistPage uint64
	Descriptors  []descriptor
}

func newHeader(pageSize uint32, maxDatabases uint16) header {
	return header{
		Magic:        magicHAM,
		Version:      fileVersion,
		PageSize:     pageSize,
		MaxDatabases: maxDatabases,
		Descriptors:  make([]descriptor, maxDatabases),
	}
}

func (h header) encode(buf []byte) error {
	needed := headerFixedSize + int(h.MaxDatabases)*descriptorSize
	if len(buf) < needed {
		return common.ErrInvalidParameter
	}
	copy(buf[0:4], h.Magic[:])
	copy(buf[4:8], h.Version[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Serial)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageSize)
	binary.LittleEndian.PutUint16(buf[16:18], h.MaxDatabases)
	binary.LittleEndian.PutUint16(buf[18:20], 0)
	binary.LittleEndian.PutUint64(buf[20:28], h.FreelistPage)
	off := headerFixedSize
	for _, d := range h.Descriptors {
		encodeDescriptor(d, buf[off:off+descriptorSize])
		off += descriptorSize
	}
	return nil
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerFixedSize {
		return header{}, common.ErrInvalidFileHeader
	}
	var h header
	copy(h.Magic[:], buf[0:4])
	if h.Magic != magicHAM && h.Magic != magicUPS {
		return header{}, common.ErrInvalidFileHeader
	}
	copy(h.Version[:], buf[4:8])
	if h.Version != fileVersion {
		return header{}, common.ErrInvalidFileVersion
	}
	h.Serial = binary.LittleEndian.Uint32(buf[8:12])
	h.PageSize = binary.LittleEndian.Uint32(buf[12:16])
	h.MaxDatabases = binary.LittleEndian.Uint16(buf[16:18])
	h.FreelistPage = binary.LittleEndian.Uint64(buf[20:28])

	needed := headerFixedSize + int(h.MaxDatabases)*descriptorSize
	if len(buf) < needed {
		return header{}, common.ErrInvalidFileHeader
	}
	off := headerFixedSize
	h.Descriptors = make([]descriptor, h.MaxDatabases)
	for i := range h.Descriptors {
		h.Descriptors[i] = decodeDescriptor(buf[off : off+descriptorSize])
		off += descriptorSize
	}
	return h, nil
}
