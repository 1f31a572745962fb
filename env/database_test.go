package env

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/cursor"
	"github.com/duskdb/kvengine/txn"
)

func TestDatabasePutGetDeleteRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("x"), []byte("1")))
	v, err := db.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	require.NoError(t, db.Delete([]byte("x")))
	_, err = db.Get([]byte("x"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestDatabaseSurvivesRootGrowthAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)

	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		k := []byte{byte(i)}
		require.NoError(t, db.Put(k, k))
	}
	require.NoError(t, e.Close())

	e2, err := Open(path, OpenFlags{}, testParams())
	require.NoError(t, err)
	defer e2.Close()

	db2, err := e2.OpenDatabase(1)
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		k := []byte{byte(i)}
		v, err := db2.Get(k)
		require.NoError(t, err)
		require.Equal(t, k, v)
	}
}

func TestDatabaseCursorSeesTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("c"), []byte("3")))

	tx := txn.Begin()
	require.NoError(t, tx.Insert(db.TxnKey(), []byte("b"), []byte("2")))

	c := db.NewCursor(tx)
	require.NoError(t, c.First())
	require.Equal(t, "a", string(c.Key()))
	require.NoError(t, c.Next())
	require.Equal(t, "b", string(c.Key()))
	require.Equal(t, "2", string(c.Value()))
}

func TestDatabasePutPartialZeroFillsAndPreservesOnOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)

	require.NoError(t, db.PutPartial([]byte("k"), []byte("mid"), &Partial{Offset: 4, TotalSize: 10}))
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	want := append(append(make([]byte, 4), []byte("mid")...), 0, 0, 0)
	require.Equal(t, want, v)

	require.NoError(t, db.PutPartial([]byte("k"), []byte("Z"), &Partial{Offset: 0, TotalSize: 10}))
	v, err = db.Get([]byte("k"))
	require.NoError(t, err)
	want[0] = 'Z'
	require.Equal(t, want, v)
}

func TestDatabaseCommitIsVisibleToPlainRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	e, err := Create(path, testParams())
	require.NoError(t, err)
	defer e.Close()

	db, err := e.CreateDatabase(1, DatabaseParameters{KeySize: 16})
	require.NoError(t, err)

	tx := txn.Begin()
	require.NoError(t, tx.Insert(db.TxnKey(), []byte("b"), []byte("2")))
	require.NoError(t, e.Commit(tx))

	v, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))

	plain := db.NewCursor(nil)
	require.NoError(t, plain.Find([]byte("b"), cursor.MatchExact))
	require.Equal(t, "2", string(plain.Value()))
}
