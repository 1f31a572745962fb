// Package walog implements the physical write-ahead log used for atomic
// multi-page commits and crash recovery (spec.md §4.5). It generalizes
// the teacher's btree/wal.go — which logged single full-page images in a
// forward-only [header|pageID|offset|length|data|crc32] format meant only
// for "replay everything since last truncate" — into the group-commit
// protocol spec.md requires: page images are appended per changeset,
// the last entry of the group is flagged ChangesetComplete, and recovery
// discards the log when its newest entry is not so flagged instead of
// half-applying it.
package walog

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/duskdb/kvengine/common"
)

const (
	logMagic     = "WLG0"
	headerSize   = 16 // magic(4) + lastCommittedLSN(8) + reserved(4)
	trailerSize  = 32 // lsn(8) + flags(4) + reserved(4) + offset(8) + dataSize(8)
	FlagComplete = 1 << 0
)

// Entry is one physical WAL record: the before/after image of a single
// page, tagged with the LSN of the changeset it belongs to.
type Entry struct {
	LSN      uint64
	Flags    uint32
	Offset   uint64 // byte offset in the data file
	DataSize uint64
	Payload  []byte
}

func (e Entry) complete() bool { return e.Flags&FlagComplete != 0 }

// Log is the append-only physical WAL file, one per environment, at
// path = <database-path>+".log0" (spec.md §4.5).
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	lastLSN  uint64
	logger   zerolog.Logger
}

// Open creates or opens the log file at path. pageSize must match the
// environment's configured page size, since every entry's payload is
// exactly one page.
func Open(path string, pageSize int, logger zerolog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, common.ErrIO
	}

	l := &Log{file: f, path: path, pageSize: pageSize, logger: logger.With().Str("component", "walog").Logger()}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.ErrIO
	}

	if stat.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return l, nil
	}

	lastLSN, err := l.readHeader()
	if err != nil {
		f.Close()
		return nil, err
	}
	l.lastLSN = lastLSN
	return l, nil
}

func (l *Log) writeHeader() error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], logMagic)
	binary.LittleEndian.PutUint64(buf[4:12], l.lastLSN)
	if _, err := l.file.WriteAt(buf, 0); err != nil {
		return common.ErrIO
	}
	return nil
}

func (l *Log) readHeader() (uint64, error) {
	buf := make([]byte, headerSize)
	if _, err := l.file.ReadAt(buf, 0); err != nil {
		return 0, common.ErrIO
	}
	if string(buf[0:4]) != logMagic {
		return 0, common.ErrLogInvalidHeader
	}
	return binary.LittleEndian.Uint64(buf[4:12]), nil
}

func (l *Log) entrySize() int64 { return int64(l.pageSize) + trailerSize }

// Append writes one page-image entry for the given LSN and page
// address. complete marks the last entry of a changeset group.
func (l *Log) Append(lsn uint64, address uint64, payload []byte, complete bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(payload) != l.pageSize {
		return errors.New("walog: payload size does not match page size")
	}

	stat, err := l.file.Stat()
	if err != nil {
		return common.ErrIO
	}
	writeAt := stat.Size()
	if writeAt < headerSize {
		writeAt = headerSize
	}

	buf := make([]byte, len(payload)+trailerSize)
	copy(buf, payload)

	trailer := buf[len(payload):]
	flags := uint32(0)
	if complete {
		flags = FlagComplete
	}
	binary.LittleEndian.PutUint64(trailer[0:8], lsn)
	binary.LittleEndian.PutUint32(trailer[8:12], flags)
	// bytes [12:16] reserved
	binary.LittleEndian.PutUint64(trailer[16:24], address)
	binary.LittleEndian.PutUint64(trailer[24:32], uint64(len(payload)))

	if _, err := l.file.WriteAt(buf, writeAt); err != nil {
		return common.ErrIO
	}
	return nil
}

// Sync forces buffered log writes to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return common.ErrIO
	}
	return nil
}

// Commit records lsn as the last fully-committed changeset and truncates
// the log — step 5 of the commit protocol in spec.md §4.5. Safe to call
// only once every dirty page in the changeset has been flushed through
// the Device.
func (l *Log) Commit(lsn uint64) error {
	l.mu.Lock()
	l.lastLSN = lsn
	if err := l.writeHeader(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	return l.truncate()
}

func (l *Log) truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(headerSize); err != nil {
		return common.ErrIO
	}
	return nil
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return common.ErrIO
	}
	return l.file.Close()
}

// readAllEntries reads every entry from the log in file order
// (oldest-first), the order spec.md §4.5 recovery step 3 replays them in.
func (l *Log) readAllEntries() ([]Entry, error) {
	stat, err := l.file.Stat()
	if err != nil {
		return nil, common.ErrIO
	}

	var entries []Entry
	offset := int64(headerSize)
	stride := l.entrySize()

	for offset+stride <= stat.Size() {
		buf := make([]byte, stride)
		if _, err := l.file.ReadAt(buf, offset); err != nil {
			if err == io.EOF {
				break
			}
			return entries, common.ErrIO
		}

		trailer := buf[l.pageSize:]
		entry := Entry{
			LSN:      binary.LittleEndian.Uint64(trailer[0:8]),
			Flags:    binary.LittleEndian.Uint32(trailer[8:12]),
			Offset:   binary.LittleEndian.Uint64(trailer[16:24]),
			DataSize: binary.LittleEndian.Uint64(trailer[24:32]),
		}
		entry.Payload = make([]byte, l.pageSize)
		copy(entry.Payload, buf[:l.pageSize])

		entries = append(entries, entry)
		offset += stride
	}

	return entries, nil
}

// Recover implements spec.md §4.5's recovery procedure: if the newest
// entry is not flagged complete, every entry in the log is discarded
// without being applied; otherwise every entry is replayed in file order
// via apply. Either way the log is truncated.
// It reports whether any entries were applied.
func (l *Log) Recover(apply func(Entry) error) (bool, error) {
	l.mu.Lock()
	entries, err := l.readAllEntries()
	l.mu.Unlock()
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	if !entries[len(entries)-1].complete() {
		l.logger.Warn().Int("entries", len(entries)).Msg("discarding incomplete changeset group")
		return false, l.truncate()
	}

	for _, e := range entries {
		if err := apply(e); err != nil {
			return false, err
		}
	}

	l.logger.Info().Int("entries", len(entries)).Uint64("lsn", entries[len(entries)-1].LSN).Msg("replayed changeset group")
	return true, l.truncate()
}

// LastCommittedLSN returns the LSN stored in the log header.
func (l *Log) LastCommittedLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLSN
}
