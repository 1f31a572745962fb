// Package env implements spec.md §6's Environment: the top-level handle
// that owns one file (or in-memory region), the page manager, the
// physical WAL and a table of named Database instances sharing them. It
// generalizes the teacher's single fixed btree.Index-per-file design
// into a multi-database file with its own header page.
package env

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/btree"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/page"
	"github.com/duskdb/kvengine/pager"
	"github.com/duskdb/kvengine/txn"
	"github.com/duskdb/kvengine/walog"
)

const defaultMaxDatabases = 16

// Parameters configures environment creation, following the pack's
// "config struct + DefaultX constructor" convention.
type Parameters struct {
	PageSize       int
	MaxDatabases   uint16
	CacheSizePages int
	CacheUnlimited bool
	EnableLog      bool // attach a physical WAL for crash recovery (spec.md §4.5)
	Logger         zerolog.Logger
}

// DefaultParameters returns spec.md's default page size (4096) and a
// generous database table, with the WAL enabled — the durable default a
// caller gets unless it opts out.
func DefaultParameters() Parameters {
	return Parameters{
		PageSize:       4096,
		MaxDatabases:   defaultMaxDatabases,
		CacheUnlimited: true,
		EnableLog:      true,
	}
}

// OpenFlags controls how an existing environment is opened.
type OpenFlags struct {
	ReadOnly       bool
	DisableLocking bool // skip flock(2); used by tests that open the same path twice intentionally
}

// DatabaseParameters configures one CreateDatabase call.
type DatabaseParameters struct {
	KeySize         int
	AllowDuplicates bool
}

// Environment is one open storage file and every Database that shares
// its Device/PageManager/Log (spec.md §6).
type Environment struct {
	path     string
	dev      device.Device
	pm       *pager.PageManager
	log      *walog.Log
	logger   zerolog.Logger
	readOnly bool
	locked   bool

	mu         sync.Mutex
	hdr        header
	headerPg   *page.Page
	freelistPg *page.Page
	databases  map[uint16]*Database
}

func logPath(path string) string { return path + ".log0" }

// Create initializes a brand new environment file at path.
func Create(path string, params Parameters) (*Environment, error) {
	if params.PageSize == 0 {
		params = DefaultParameters()
	}
	if params.MaxDatabases == 0 {
		params.MaxDatabases = defaultMaxDatabases
	}

	dev := device.New(device.Config{Path: path, PageSize: params.PageSize})
	if err := dev.Create(); err != nil {
		return nil, err
	}

	pm := pager.New(dev, pager.Config{
		PageSize:       params.PageSize,
		CacheSizePages: params.CacheSizePages,
		CacheUnlimited: params.CacheUnlimited,
		BlobAlignment:  32,
	}, params.Logger)

	var lg *walog.Log
	if params.EnableLog {
		l, err := walog.Open(logPath(path), params.PageSize, params.Logger)
		if err != nil {
			return nil, err
		}
		lg = l
		pm.SetLog(l)
	}

	hdr := newHeader(uint32(params.PageSize), params.MaxDatabases)
	hdrPage, err := pm.AllocPage(page.TypeHeader)
	if err != nil {
		return nil, err
	}

	// The freelist starts empty at Create, but it still gets a dedicated
	// PageManagerState page up front so every later Flush has somewhere to
	// persist pm.Freelist()'s state to (spec.md §4.3 is otherwise silent on
	// where the freelist itself lives; mirroring the header page's
	// allocate-once pattern keeps this env-local).
	freelistPage, err := pm.AllocPage(page.TypePageManagerState)
	if err != nil {
		return nil, err
	}
	hdr.FreelistPage = freelistPage.Address()

	if err := hdr.encode(hdrPage.Payload()); err != nil {
		return nil, err
	}
	pm.MarkDirty(hdrPage)
	if err := pm.CommitChangeset(pm.NextLSN()); err != nil {
		return nil, err
	}

	e := &Environment{
		path:       path,
		dev:        dev,
		pm:         pm,
		log:        lg,
		logger:     params.Logger.With().Str("component", "env").Logger(),
		hdr:        hdr,
		headerPg:   hdrPage,
		freelistPg: freelistPage,
		databases:  make(map[uint16]*Database),
	}
	if err := e.acquireLock(false); err != nil {
		return nil, err
	}
	return e, nil
}

// Open opens an existing environment file at path, running WAL recovery
// (replaying a complete changeset group, discarding an incomplete one)
// before the header is trusted (spec.md §4.5/§8 S7).
func Open(path string, flags OpenFlags, params Parameters) (*Environment, error) {
	dev := device.New(device.Config{Path: path, PageSize: params.PageSize, ReadOnly: flags.ReadOnly})
	if err := dev.Open(); err != nil {
		return nil, err
	}

	// Peek the header's fixed fields first, at the page size needed to
	// read its own PageSize field: the magic+version+pagesize prefix is
	// small and fixed regardless of the environment's real page size.
	// The env header lives in page 0's payload, past that page's own
	// 12-byte page.HeaderSize.
	probe := make([]byte, headerFixedSize)
	if err := dev.ReadPage(uint64(page.HeaderSize), probe); err != nil {
		return nil, err
	}
	// The probe holds no descriptor table: decode it as if MaxDatabases
	// were 0 (bytes 16:18); the full header is decoded from page 0 below.
	probe[16], probe[17] = 0, 0
	hdrProbe, err := decodeHeader(probe)
	if err != nil {
		return nil, err
	}

	if err := dev.Close(); err != nil {
		return nil, err
	}
	dev = device.New(device.Config{Path: path, PageSize: int(hdrProbe.PageSize), ReadOnly: flags.ReadOnly})
	if err := dev.Open(); err != nil {
		return nil, err
	}

	pm := pager.New(dev, pager.Config{
		PageSize:       int(hdrProbe.PageSize),
		CacheSizePages: params.CacheSizePages,
		CacheUnlimited: params.CacheUnlimited,
		BlobAlignment:  32,
	}, params.Logger)

	var lg *walog.Log
	if params.EnableLog {
		l, err := walog.Open(logPath(path), int(hdrProbe.PageSize), params.Logger)
		if err != nil {
			return nil, err
		}
		if _, err := l.Recover(func(e walog.Entry) error {
			return dev.WritePage(e.Offset, e.Payload)
		}); err != nil {
			return nil, err
		}
		if err := dev.Flush(); err != nil {
			return nil, err
		}
		lg = l
		pm.SetLog(l)
	}

	hdrPage, err := pm.FetchPage(0, false)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrPage.Payload())
	if err != nil {
		return nil, err
	}

	var freelistPage *page.Page
	if hdr.FreelistPage != 0 {
		freelistPage, err = pm.FetchPage(hdr.FreelistPage, false)
		if err != nil {
			return nil, err
		}
		pm.Freelist().Decode(freelistPage.Payload())
	}

	e := &Environment{
		path:       path,
		dev:        dev,
		pm:         pm,
		log:        lg,
		logger:     params.Logger.With().Str("component", "env").Logger(),
		readOnly:   flags.ReadOnly,
		hdr:        hdr,
		headerPg:   hdrPage,
		freelistPg: freelistPage,
		databases:  make(map[uint16]*Database),
	}
	if err := e.acquireLock(flags.DisableLocking); err != nil {
		if lg != nil {
			_ = lg.Close()
		}
		_ = dev.Close()
		return nil, err
	}
	return e, nil
}

// acquireLock takes an advisory flock(2) on the backing file: shared for
// read-only environments, exclusive for read-write ones, matching
// spec.md §5's single-writer/multi-reader access model. In-memory
// devices and explicitly unlocked opens (tests that reopen the same
// path) skip it.
func (e *Environment) acquireLock(disable bool) error {
	if disable {
		return nil
	}
	fd, ok := e.dev.LockFD()
	if !ok {
		return nil
	}
	how := unix.LOCK_EX | unix.LOCK_NB
	if e.readOnly {
		how = unix.LOCK_SH | unix.LOCK_NB
	}
	if err := unix.Flock(int(fd), how); err != nil {
		return common.ErrWouldBlock
	}
	e.locked = true
	return nil
}

func (e *Environment) releaseLock() {
	if !e.locked {
		return
	}
	fd, ok := e.dev.LockFD()
	if !ok {
		return
	}
	_ = unix.Flock(int(fd), unix.LOCK_UN)
	e.locked = false
}

func (e *Environment) flushHeaderLocked() error {
	if err := e.hdr.encode(e.headerPg.Payload()); err != nil {
		return err
	}
	e.pm.MarkDirty(e.headerPg)
	return e.pm.CommitChangeset(e.pm.NextLSN())
}

// flushFreelistLocked persists the pager's in-memory freelist to its
// PageManagerState page if it has changed since the last flush. A freelist
// that has grown past what one page holds is left unpersisted rather than
// failing the flush: its extents are simply rediscovered as reclaimable
// space once whatever freed them is freed again, the same degraded state a
// environment opened before this page existed would see.
func (e *Environment) flushFreelistLocked() {
	if e.freelistPg == nil {
		return
	}
	fl := e.pm.Freelist()
	if !fl.Dirty() {
		return
	}
	if !fl.Encode(e.freelistPg.Payload()) {
		e.logger.Warn().Msg("freelist state too large for its page, skipping persistence this flush")
		return
	}
	e.pm.MarkDirty(e.freelistPg)
	fl.ClearDirty()
}

func (e *Environment) findSlotLocked(name uint16) int {
	for i, d := range e.hdr.Descriptors {
		if d.Name == name {
			return i
		}
	}
	return -1
}

func (e *Environment) findFreeSlotLocked() int {
	for i, d := range e.hdr.Descriptors {
		if d.Name == 0 {
			return i
		}
	}
	return -1
}

// CreateDatabase creates a new named database within the environment.
// name must be nonzero: zero marks a free descriptor slot (spec.md §6).
func (e *Environment) CreateDatabase(name uint16, params DatabaseParameters) (*Database, error) {
	if name == 0 {
		return nil, common.ErrInvalidParameter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly {
		return nil, common.ErrWriteProtected
	}
	if e.findSlotLocked(name) >= 0 {
		return nil, common.ErrDuplicateKey
	}
	slot := e.findFreeSlotLocked()
	if slot < 0 {
		return nil, common.ErrLimitsReached
	}

	blobs := blob.NewDiskManager(e.pm, e.dev, int(e.hdr.PageSize), 32)
	dups := dupstore.New(blobs)

	btCfg := btree.Config{PageSize: int(e.hdr.PageSize), KeySize: params.KeySize, AllowDuplicates: params.AllowDuplicates}
	idx, err := btree.Create(e.pm, blobs, dups, btCfg, e.logger)
	if err != nil {
		return nil, err
	}

	flags := DatabaseFlags(0)
	if params.AllowDuplicates {
		flags |= DBFlagDuplicates
	}
	e.hdr.Descriptors[slot] = descriptor{
		Name:        name,
		Flags:       flags,
		KeySize:     uint32(params.KeySize),
		RootAddress: idx.RootAddress(),
	}
	if err := e.flushHeaderLocked(); err != nil {
		return nil, err
	}

	db := newDatabase(e, name, idx, blobs, dups)
	e.databases[name] = db
	return db, nil
}

// OpenDatabase opens an already-created database by name.
func (e *Environment) OpenDatabase(name uint16) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.databases[name]; ok {
		return db, nil
	}
	slot := e.findSlotLocked(name)
	if slot < 0 {
		return nil, common.ErrKeyNotFound
	}
	d := e.hdr.Descriptors[slot]

	blobs := blob.NewDiskManager(e.pm, e.dev, int(e.hdr.PageSize), 32)
	dups := dupstore.New(blobs)
	btCfg := btree.Config{PageSize: int(e.hdr.PageSize), KeySize: int(d.KeySize), AllowDuplicates: d.Flags&DBFlagDuplicates != 0}
	idx := btree.Open(e.pm, blobs, dups, btCfg, d.RootAddress, 0, e.logger)

	db := newDatabase(e, name, idx, blobs, dups)
	e.databases[name] = db
	return db, nil
}

// RenameDatabase changes a database's descriptor name in place.
func (e *Environment) RenameDatabase(oldName, newName uint16) error {
	if newName == 0 {
		return common.ErrInvalidParameter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly {
		return common.ErrWriteProtected
	}
	if e.findSlotLocked(newName) >= 0 {
		return common.ErrDuplicateKey
	}
	slot := e.findSlotLocked(oldName)
	if slot < 0 {
		return common.ErrKeyNotFound
	}
	e.hdr.Descriptors[slot].Name = newName
	if err := e.flushHeaderLocked(); err != nil {
		return err
	}
	if db, ok := e.databases[oldName]; ok {
		delete(e.databases, oldName)
		db.name = newName
		e.databases[newName] = db
	}
	return nil
}

// EraseDatabase drops a database's descriptor. It does not reclaim the
// B-tree's pages today — doing so safely requires walking and freeing
// every page and blob the tree owns, left as a follow-up; erasing only
// frees the descriptor slot for reuse is the supplemented feature's
// current, explicitly scoped shape.
func (e *Environment) EraseDatabase(name uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readOnly {
		return common.ErrWriteProtected
	}
	slot := e.findSlotLocked(name)
	if slot < 0 {
		return common.ErrKeyNotFound
	}
	if db, ok := e.databases[name]; ok {
		if err := db.Close(); err != nil {
			return err
		}
		delete(e.databases, name)
	}
	e.hdr.Descriptors[slot] = descriptor{}
	return e.flushHeaderLocked()
}

// Commit applies every operation tx has recorded against this
// environment's open databases to their B-trees, in the order each was
// recorded, then marks tx committed (spec.md §6 txn_commit). A cursor
// coupled to tx only ever buffers ops in tx itself (spec.md §4.7); this
// is the step that makes a committed transaction's writes visible to
// plain, txn-less Get/Find calls afterward. Abort needs no equivalent:
// it just discards tx's op tree without ever reaching a B-tree.
func (e *Environment) Commit(tx *txn.Txn) error {
	e.mu.Lock()
	dbs := make([]*Database, 0, len(e.databases))
	for _, db := range e.databases {
		dbs = append(dbs, db)
	}
	e.mu.Unlock()

	for _, db := range dbs {
		if err := db.applyTxnOps(tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DatabaseNames lists every non-empty descriptor's name.
func (e *Environment) DatabaseNames() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []uint16
	for _, d := range e.hdr.Descriptors {
		if d.Name != 0 {
			out = append(out, d.Name)
		}
	}
	return out
}

// syncDescriptorsLocked refreshes every open database's descriptor with
// its B-tree's current root address: Insert/Erase can grow or shrink the
// root without the Environment knowing, so the header must be caught up
// before it is flushed (spec.md §6's header is the durable source of
// truth for where each database's tree currently roots).
func (e *Environment) syncDescriptorsLocked() {
	for name, db := range e.databases {
		if slot := e.findSlotLocked(name); slot >= 0 {
			e.hdr.Descriptors[slot].RootAddress = db.idx.RootAddress()
		}
	}
}

// Flush persists every dirty page and, if a WAL is attached, syncs it.
func (e *Environment) Flush() error {
	e.mu.Lock()
	if !e.readOnly {
		e.syncDescriptorsLocked()
		e.flushFreelistLocked()
		if err := e.flushHeaderLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	if err := e.pm.Flush(); err != nil {
		return err
	}
	if err := e.dev.Flush(); err != nil {
		return err
	}
	if e.log != nil {
		return e.log.Sync()
	}
	return nil
}

// Close flushes pending state and releases the environment's file lock.
func (e *Environment) Close() error {
	e.mu.Lock()
	dbs := make([]*Database, 0, len(e.databases))
	for _, db := range e.databases {
		dbs = append(dbs, db)
	}
	e.mu.Unlock()

	for _, db := range dbs {
		if err := db.Close(); err != nil {
			return err
		}
	}

	if err := e.Flush(); err != nil {
		return err
	}
	e.releaseLock()
	if e.log != nil {
		if err := e.log.Close(); err != nil {
			return err
		}
	}
	return e.dev.Close()
}

// Stats aggregates pager counters into the engine-agnostic common.Stats
// shape, scaled up from raw page/byte counters (spec.md §6 diagnostics).
func (e *Environment) Stats() common.Stats {
	s := e.pm.Stats()
	e.mu.Lock()
	numDBs := len(e.hdr.Descriptors)
	e.mu.Unlock()
	return common.Stats{
		NumSegments:   numDBs,
		TotalDiskSize: int64(s.BytesWritten),
		WriteCount:    s.PageWrites,
		ReadCount:     s.PageReads,
	}
}

// removeIfExists deletes path and its sibling .log0 file; used by tests
// that create-then-recreate a scratch environment.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(logPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
