package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/duskdb/kvengine/common"
)

func testParams() Parameters {
	p := DefaultParameters()
	p.PageSize = 512
	p.MaxDatabases = 4
	p.Logger = zerolog.Nop()
	return p
}

func TestCreateOpenCloseRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")

	e, err := Create(path, testParams())
	require.NoError(t, err)
	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Close())

	e2, err := Open(path, OpenFlags{}, testParams())
	require.NoError(t, err)
	defer e2.Close()

	names := e2.DatabaseNames()
	require.Equal(t, []uint16{1}, names)

	db2, err := e2.OpenDatabase(1)
	require.NoError(t, err)
	val, err := db2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(val))
}

func TestCreateRenameEraseDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")

	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)

	require.NoError(t, e.RenameDatabase(1, 2))
	require.Equal(t, []uint16{2}, e.DatabaseNames())

	_, err = e.OpenDatabase(1)
	require.ErrorIs(t, err, common.ErrKeyNotFound)

	require.NoError(t, e.EraseDatabase(2))
	require.Empty(t, e.DatabaseNames())
}

func TestCreateDatabaseDuplicateNameRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)
	_, err = e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.ErrorIs(t, err, common.ErrDuplicateKey)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, removeIfExists(path))

	// Write a file that is too short/garbled to carry a valid header.
	garbage := []byte("not-a-kvengine-file-at-all-0000")
	require.NoError(t, os.WriteFile(path, garbage, 0644))

	_, err := Open(path, OpenFlags{}, testParams())
	require.Error(t, err)
}

func TestSecondWriterIsLockedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()
	require.NoError(t, e.Flush())

	_, err = Open(path, OpenFlags{}, testParams())
	require.ErrorIs(t, err, common.ErrWouldBlock)
}
