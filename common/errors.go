package common

import "errors"

// Sentinel errors shared by every layer of the engine, extended from the
// teacher's small {KeyNotFound, DiskFull, Closed, KeyEmpty} set to the
// full error-kind enumeration of spec.md §7.
var (
	// Negative results for find/insert/erase — these leave the
	// environment usable and do not poison any state.
	ErrKeyNotFound  = errors.New("key not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrBlobNotFound = errors.New("blob not found")

	// Malformed caller input.
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrKeyEmpty         = errors.New("key cannot be empty")

	// Environment file incompatibility.
	ErrInvalidFileHeader  = errors.New("invalid file header")
	ErrInvalidFileVersion = errors.New("invalid file version")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrInvalidKeySize     = errors.New("invalid key size")

	// Device / allocator failures.
	ErrIO          = errors.New("i/o error")
	ErrOutOfMemory = errors.New("out of memory")
	ErrDiskFull    = errors.New("disk full")

	// Structural corruption. Fatal to the environment: callers must
	// treat the environment as closed once one of these is returned.
	ErrIntegrityViolated = errors.New("integrity violated")
	ErrLogInvalidHeader  = errors.New("invalid log header")
	ErrNeedRecovery      = errors.New("recovery required but not enabled")

	// Access and resource control.
	ErrWriteProtected = errors.New("environment is read-only")
	ErrWouldBlock     = errors.New("environment locked by another writer")
	ErrCacheFull      = errors.New("cache is full")
	ErrLimitsReached  = errors.New("resource limit reached")

	// Transaction / cursor state violations.
	ErrTxnConflict     = errors.New("transaction conflict")
	ErrCursorIsNil     = errors.New("cursor is not positioned on a key")
	ErrCursorStillOpen = errors.New("cursor still open")

	// Engine / environment lifecycle.
	ErrClosed         = errors.New("storage engine closed")
	ErrNotImplemented = errors.New("not implemented in this mode")
)
