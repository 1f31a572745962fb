package btree

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/duskdb/kvengine/blob"
	"github.com/duskdb/kvengine/common"
	"github.com/duskdb/kvengine/device"
	"github.com/duskdb/kvengine/dupstore"
	"github.com/duskdb/kvengine/pager"
)

const testPageSize = 256

func newTestIndex(t *testing.T, allowDup bool) *Index {
	t.Helper()
	dev := device.New(device.Config{InMemory: true, PageSize: testPageSize})
	require.NoError(t, dev.Create())
	// Reserve address 0 the way env's header page does: the tree uses 0
	// as "no sibling", so no node may live there.
	_, err := dev.AllocPage()
	require.NoError(t, err)

	pm := pager.New(dev, pager.Config{PageSize: testPageSize, CacheUnlimited: true, BlobAlignment: 16}, zerolog.Nop())
	blobs := blob.NewDiskManager(pm, dev, testPageSize, 16)
	dups := dupstore.New(blobs)

	idx, err := Create(pm, blobs, dups, Config{PageSize: testPageSize, KeySize: 16, AllowDuplicates: allowDup}, zerolog.Nop())
	require.NoError(t, err)
	return idx
}

func TestInsertAndFind(t *testing.T) {
	idx := newTestIndex(t, false)

	require.NoError(t, idx.Insert([]byte("alpha"), []byte("1")))
	require.NoError(t, idx.Insert([]byte("beta"), []byte("2")))
	require.NoError(t, idx.Insert([]byte("gamma"), []byte("3")))

	v, err := idx.Find([]byte("beta"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	_, err = idx.Find([]byte("missing"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestInsertOverwrite(t *testing.T) {
	idx := newTestIndex(t, false)

	require.NoError(t, idx.Insert([]byte("k"), []byte("v1")))
	require.NoError(t, idx.Insert([]byte("k"), []byte("v2")))

	v, err := idx.Find([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	require.EqualValues(t, 1, idx.NumKeys())
}

func TestInsertTriggersSplitAndIntegrityHolds(t *testing.T) {
	idx := newTestIndex(t, false)

	n := 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, idx.Insert(key, []byte(fmt.Sprintf("val-%d", i))))
	}

	require.NoError(t, idx.IntegrityCheck())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		v, err := idx.Find(key)
		require.NoError(t, err, "key %s", key)
		require.Equal(t, []byte(fmt.Sprintf("val-%d", i)), v)
	}
}

func TestSequentialAppendUsesRightPivot(t *testing.T) {
	idx := newTestIndex(t, false)

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, idx.Insert(key, []byte("v")))
	}
	require.NoError(t, idx.IntegrityCheck())
}

func TestExtendedKeySpillsToBlob(t *testing.T) {
	idx := newTestIndex(t, false)

	longKey := make([]byte, 64)
	for i := range longKey {
		longKey[i] = byte('a' + i%26)
	}
	require.NoError(t, idx.Insert(longKey, []byte("long-value")))

	v, err := idx.Find(longKey)
	require.NoError(t, err)
	require.Equal(t, []byte("long-value"), v)
}

func TestDuplicateKeys(t *testing.T) {
	idx := newTestIndex(t, true)

	require.NoError(t, idx.Insert([]byte("dup"), []byte("first")))
	require.NoError(t, idx.Insert([]byte("dup"), []byte("second")))
	require.NoError(t, idx.Insert([]byte("dup"), []byte("third")))

	v, err := idx.Find([]byte("dup"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), v)
	require.EqualValues(t, 3, idx.NumKeys())
}

func TestEraseRemovesKeyAndRebalances(t *testing.T) {
	idx := newTestIndex(t, false)

	n := 150
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, idx.Insert(key, []byte("v")))
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, idx.Erase(key))
	}
	require.NoError(t, idx.IntegrityCheck())

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		_, err := idx.Find(key)
		if i%2 == 0 {
			require.ErrorIs(t, err, common.ErrKeyNotFound)
		} else {
			require.NoError(t, err)
		}
	}
}

func TestEraseUnknownKey(t *testing.T) {
	idx := newTestIndex(t, false)
	require.NoError(t, idx.Insert([]byte("k"), []byte("v")))
	require.ErrorIs(t, idx.Erase([]byte("nope")), common.ErrKeyNotFound)
}

func TestEmptyKeyRejected(t *testing.T) {
	idx := newTestIndex(t, false)
	require.ErrorIs(t, idx.Insert(nil, []byte("v")), common.ErrKeyEmpty)
	require.ErrorIs(t, idx.Erase(nil), common.ErrKeyEmpty)
	_, err := idx.Find(nil)
	require.ErrorIs(t, err, common.ErrKeyEmpty)
}

func TestInsertPartialZeroFillsUntouchedRegion(t *testing.T) {
	idx := newTestIndex(t, false)

	require.NoError(t, idx.InsertPartial([]byte("k"), []byte("mid"), &blob.Partial{Offset: 4, TotalSize: 10}))

	v, err := idx.Find([]byte("k"))
	require.NoError(t, err)
	want := append(append(make([]byte, 4), []byte("mid")...), 0, 0, 0)
	require.Equal(t, want, v)
}

func TestInsertPartialOverwritePreservesUntouchedBytes(t *testing.T) {
	idx := newTestIndex(t, false)

	require.NoError(t, idx.Insert([]byte("k"), []byte("0123456789")))
	require.NoError(t, idx.InsertPartial([]byte("k"), []byte("XY"), &blob.Partial{Offset: 3, TotalSize: 10}))

	v, err := idx.Find([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("012XY56789"), v)
}

func TestScanReturnsKeysInOrder(t *testing.T) {
	idx := newTestIndex(t, false)

	keys := []string{"c", "a", "e", "b", "d"}
	for _, k := range keys {
		require.NoError(t, idx.Insert([]byte(k), []byte(k)))
	}

	it, err := idx.Scan(nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}
