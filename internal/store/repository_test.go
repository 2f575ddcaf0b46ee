package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/store"
	"github.com/enclave-xyz/ciphernode/internal/store/memkv"
)

type nodeRecord struct {
	Balance uint64
	Active  bool
}

func TestRepositoryLoadSetDelete(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	repo := store.NewRepository[nodeRecord](kv, "/nodes/1/")

	p, err := repo.Load(ctx, "0xabc")
	require.NoError(t, err)
	_, ok := p.Get()
	require.False(t, ok)

	require.NoError(t, p.Set(ctx, nodeRecord{Balance: 100, Active: true}))

	reloaded, err := repo.Load(ctx, "0xabc")
	require.NoError(t, err)
	v, ok := reloaded.Get()
	require.True(t, ok)
	require.Equal(t, nodeRecord{Balance: 100, Active: true}, v)

	require.NoError(t, reloaded.Delete(ctx))
	p3, err := repo.Load(ctx, "0xabc")
	require.NoError(t, err)
	_, ok = p3.Get()
	require.False(t, ok)
}

func TestRepositoryScan(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	repo := store.NewRepository[nodeRecord](kv, "/nodes/1/")

	for _, addr := range []string{"0xaaa", "0xbbb", "0xccc"} {
		p, err := repo.Load(ctx, addr)
		require.NoError(t, err)
		require.NoError(t, p.Set(ctx, nodeRecord{Balance: 1, Active: true}))
	}

	all, err := repo.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Contains(t, all, "0xaaa")
	require.Contains(t, all, "0xbbb")
	require.Contains(t, all, "0xccc")
}

// TestRepositoryWriteFailureReverts exercises spec.md §4.A's failure
// semantics: the in-memory value is unaffected when the underlying store
// rejects a write.
func TestRepositoryWriteFailureReverts(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{Store: memkv.New()}
	repo := store.NewRepository[nodeRecord](kv, "/nodes/1/")

	p, err := repo.Load(ctx, "0xabc")
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, nodeRecord{Balance: 1, Active: true}))

	kv.failNext = true
	err = p.Set(ctx, nodeRecord{Balance: 999, Active: false})
	require.Error(t, err)

	v, ok := p.Get()
	require.True(t, ok)
	require.Equal(t, nodeRecord{Balance: 1, Active: true}, v)
}

type failingKV struct {
	*memkv.Store
	failNext bool
}

func (f *failingKV) Put(ctx context.Context, key []byte, value []byte) error {
	if f.failNext {
		f.failNext = false
		return errWriteFailed
	}
	return f.Store.Put(ctx, key, value)
}

var errWriteFailed = &storeError{"simulated write failure"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
