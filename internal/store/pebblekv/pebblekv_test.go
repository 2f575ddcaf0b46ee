package pebblekv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/store/pebblekv"
)

func open(t *testing.T) *pebblekv.Store {
	t.Helper()
	s, err := pebblekv.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
	v, ok, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete(ctx, []byte("k")))
	_, ok, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := open(t)
	_, ok, err := s.Get(context.Background(), []byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanReturnsOnlyPrefixedKeysInOrder(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("a/2"), []byte("2")))
	require.NoError(t, s.Put(ctx, []byte("a/1"), []byte("1")))
	require.NoError(t, s.Put(ctx, []byte("b/1"), []byte("x")))

	it, err := s.Scan(ctx, []byte("a/"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestScanOnAllFFPrefixIsUnbounded(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte{0xff, 0x01}, []byte("v1")))
	require.NoError(t, s.Put(ctx, []byte{0xff, 0x02}, []byte("v2")))

	it, err := s.Scan(ctx, []byte{0xff})
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 2, count)
}
