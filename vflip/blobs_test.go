package vflip_test

import (
	"testing"

	"github.com/flipsession/vsession/vflip"
	"github.com/stretchr/testify/require"
)

func TestHandle_roundTrip(t *testing.T) {
	t.Parallel()

	h := vflip.Handle("0xabc", 2)
	require.Equal(t, "blob:0xabc/2", h)

	hash, i, err := vflip.ParseHandle(h)
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.Equal(t, 2, i)

	for _, bad := range []string{"0xabc/2", "blob:0xabc", "blob:/1", "blob:0xabc/x", "blob:0xabc/-1"} {
		_, _, err := vflip.ParseHandle(bad)
		require.Error(t, err, bad)
	}
}

func TestBlobs(t *testing.T) {
	t.Parallel()

	b := vflip.NewBlobs()

	handles := b.Register("0xa", [][]byte{[]byte("p0"), []byte("p1")})
	require.Equal(t, []string{"blob:0xa/0", "blob:0xa/1"}, handles)
	b.Register("0xb", [][]byte{[]byte("q0")})

	got, ok := b.Get("0xa", 1)
	require.True(t, ok)
	require.Equal(t, []byte("p1"), got)

	_, ok = b.Get("0xa", 2)
	require.False(t, ok)
	_, ok = b.Get("0xc", 0)
	require.False(t, ok)

	b.Retain([]string{"0xb", "0xunknown"})
	require.Equal(t, 1, b.Len())
	_, ok = b.Get("0xa", 0)
	require.False(t, ok)
	_, ok = b.Get("0xb", 0)
	require.True(t, ok)

	b.Reset()
	require.Zero(t, b.Len())
}
