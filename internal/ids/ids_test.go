package ids_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/ids"
)

func TestChainIDString(t *testing.T) {
	require.Equal(t, "chain-7", ids.ChainID(7).String())
}

func TestE3IDString(t *testing.T) {
	require.Equal(t, "e3-42", ids.E3ID(42).String())
}

func TestChainE3String(t *testing.T) {
	k := ids.ChainE3{Chain: ids.ChainID(1), E3: ids.E3ID(9)}
	require.Equal(t, "1/9", k.String())
}
