package cursor

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/btree"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/pager"
	"github.com/duskdb/kvengine/txn"
)

const testPageSize = 256

func newTestIndex(t *testing.T, allowDup bool) *btree.Index {
	t.Helper()
	dev := device.New(device.Config{InMemory: true, PageSize: testPageSize})
	require.NoError(t, dev.Create())

	pm := pager.New(dev, pager.Config{PageSize: testPageSize, CacheUnlimited: true, BlobAlignment: 16}, zerolog.Nop())
	blobs := blob.NewDiskManager(pm, dev, testPageSize, 16)
	dups := dupstore.New(blobs)

	idx, err := btree.Create(pm, blobs, dups, btree.Config{PageSize: testPageSize, KeySize: 16, AllowDuplicates: allowDup}, zerolog.Nop())
	require.NoError(t, err)
	return idx
}

func TestCursorFirstLastNextPrevious(t *testing.T) {
	idx := newTestIndex(t, false)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, idx.Insert([]byte(k), []byte(k+k)))
	}

	c := New(idx, nil, "db")
	require.NoError(t, c.First())
	require.Equal(t, "a", string(c.Key()))

	require.NoError(t, c.Next())
	require.Equal(t, "b", string(c.Key()))

	require.NoError(t, c.Last())
	require.Equal(t, "d", string(c.Key()))

	require.NoError(t, c.Previous())
	require.Equal(t, "c", string(c.Key()))
}

func TestCursorFindExactAndApproximate(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("2"), []byte("two")))
	require.NoError(t, idx.Insert([]byte("4"), []byte("four")))

	c := New(idx, nil, "db")

	require.NoError(t, c.Find([]byte("3"), MatchLeq))
	require.Equal(t, "2", string(c.Key()))

	require.NoError(t, c.Find([]byte("3"), MatchGeq))
	require.Equal(t, "4", string(c.Key()))

	err := c.Find([]byte("5"), MatchGeq)
	require.ErrorIs(t, err, common.ErrKeyNotFound)

	require.NoError(t, c.Find([]byte("5"), MatchLeq))
	require.Equal(t, "4", string(c.Key()))
}

func TestCursorEraseDecouples(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("a"), []byte("1")))

	c := New(idx, nil, "db")
	require.NoError(t, c.Find([]byte("a"), MatchExact))
	require.NoError(t, c.Erase())
	require.Equal(t, StateNil, c.State())

	_, err := idx.Find([]byte("a"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestCursorSeesPendingTransactionInsert(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("a"), []byte("1")))
	require.NoError(t, idx.Insert([]byte("c"), []byte("3")))

	tx := txn.Begin()
	require.NoError(t, tx.Insert("db", []byte("b"), []byte("2")))

	c := New(idx, tx, "db")
	require.NoError(t, c.First())
	require.Equal(t, "a", string(c.Key()))
	require.NoError(t, c.Next())
	require.Equal(t, "b", string(c.Key()))
	require.Equal(t, "2", string(c.Value()))
	require.NoError(t, c.Next())
	require.Equal(t, "c", string(c.Key()))
}

func TestCursorSkipsPendingTransactionErase(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("a"), []byte("1")))
	require.NoError(t, idx.Insert([]byte("b"), []byte("2")))
	require.NoError(t, idx.Insert([]byte("c"), []byte("3")))

	tx := txn.Begin()
	require.NoError(t, tx.Erase("db", []byte("b"), -1))

	c := New(idx, tx, "db")
	require.NoError(t, c.First())
	require.Equal(t, "a", string(c.Key()))
	require.NoError(t, c.Next())
	require.Equal(t, "c", string(c.Key()))
}

func TestCursorDuplicateCount(t *testing.T) {
	idx := newTestIndex(t, true)
	require.NoError(t, idx.Insert([]byte("k"), []byte("a")))
	require.NoError(t, idx.Insert([]byte("k"), []byte("b")))
	require.NoError(t, idx.Insert([]byte("k"), []byte("c")))

	c := New(idx, nil, "db")
	require.NoError(t, c.Find([]byte("k"), MatchExact))
	n, err := c.DuplicateCount()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCursorCloseIsIdempotent(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("a"), []byte("1")))

	c := New(idx, nil, "db")
	require.NoError(t, c.First())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, StateNil, c.State())
}
