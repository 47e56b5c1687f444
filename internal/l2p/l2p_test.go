package l2p

import (
	"testing"

	"github.com/open-channel/ocssd-ftl/internal/geometry"
	"github.com/stretchr/testify/require"
)

func TestNewAllInvalid(t *testing.T) {
	tbl := New(4)
	for lba := uint64(0); lba < 4; lba++ {
		got, err := tbl.Get(lba)
		require.NoError(t, err)
		require.Equal(t, geometry.Invalid, got)
	}
}

func TestSetGet(t *testing.T) {
	tbl := New(4)
	addr := geometry.Addr(0x1234)
	require.NoError(t, tbl.Set(2, addr))
	got, err := tbl.Get(2)
	require.NoError(t, err)
	require.Equal(t, addr, got)
}

func TestCompareAndSwap(t *testing.T) {
	tbl := New(2)
	ok, err := tbl.CompareAndSwap(0, geometry.Invalid, geometry.CachedAddr(7))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tbl.CompareAndSwap(0, geometry.Invalid, geometry.CachedAddr(9))
	require.NoError(t, err)
	require.False(t, ok, "stale compare value must fail")

	got, _ := tbl.Get(0)
	require.Equal(t, geometry.CachedAddr(7), got)
}

func TestOutOfRange(t *testing.T) {
	tbl := New(2)
	_, err := tbl.Get(5)
	require.Error(t, err)
	require.Error(t, tbl.Set(5, geometry.Invalid))
}
