package memkv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/store/memkv"
)

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := memkv.New()
	v, ok, err := s.Get(context.Background(), []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	s := memkv.New()
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

func TestScanReturnsPrefixMatchesInKeyOrder(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("chain/2"), []byte("b")))
	require.NoError(t, s.Put(ctx, []byte("chain/1"), []byte("a")))
	require.NoError(t, s.Put(ctx, []byte("other/1"), []byte("c")))

	it, err := s.Scan(ctx, []byte("chain/"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Entry().Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"chain/1", "chain/2"}, keys)
}

func TestGetReturnsACopyNotTheStoredSlice(t *testing.T) {
	s := memkv.New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))

	v, _, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	v[0] = 'x'

	v2, _, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v2)
}
