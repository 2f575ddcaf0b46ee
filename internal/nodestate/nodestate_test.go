package nodestate_test

import (
	"context"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/nodestate"
	"github.com/enclave-xyz/ciphernode/internal/store/memkv"
)

func TestHealthOKAfterHydrate(t *testing.T) {
	m := nodestate.New(memkv.New(), log.NewNoOpLogger())
	require.NoError(t, m.Hydrate(context.Background(), ids.ChainID(1)))
	require.NoError(t, m.Health([]ids.ChainID{1}))
}

func TestHealthErrorsForUnhydratedChain(t *testing.T) {
	m := nodestate.New(memkv.New(), log.NewNoOpLogger())
	require.NoError(t, m.Hydrate(context.Background(), ids.ChainID(1)))
	require.Error(t, m.Health([]ids.ChainID{1, 2}))
}
