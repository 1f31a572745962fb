package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskdb/kvengine/common"
)

func TestFirstAndLast(t *testing.T) {
	idx := newTestIndex(t, false)
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, idx.Insert(key, []byte(fmt.Sprintf("v%d", i))))
	}

	fk, fv, err := idx.First()
	require.NoError(t, err)
	require.Equal(t, "k000", string(fk))
	require.Equal(t, "v0", string(fv))

	lk, lv, err := idx.Last()
	require.NoError(t, err)
	require.Equal(t, "k049", string(lk))
	require.Equal(t, "v49", string(lv))
}

func TestPreviousWalksBackward(t *testing.T) {
	idx := newTestIndex(t, false)
	for i := 0; i < 80; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, idx.Insert(key, []byte(fmt.Sprintf("v%d", i))))
	}

	key := []byte("k079")
	for i := 79; i > 0; i-- {
		pk, pv, err := idx.PreviousKey(key)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("k%03d", i-1), string(pk))
		require.Equal(t, fmt.Sprintf("v%d", i-1), string(pv))
		key = pk
	}

	_, _, err := idx.PreviousKey(key)
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}

func TestNextKeySkipsExactMatch(t *testing.T) {
	idx := newTestIndex(t, false)
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%03d", i))
		require.NoError(t, idx.Insert(key, []byte(fmt.Sprintf("v%d", i))))
	}

	nk, nv, err := idx.NextKey([]byte("k003"))
	require.NoError(t, err)
	require.Equal(t, "k004", string(nk))
	require.Equal(t, "v4", string(nv))

	_, _, err = idx.NextKey([]byte("k009"))
	require.ErrorIs(t, err, common.ErrKeyNotFound)
}
