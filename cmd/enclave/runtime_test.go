package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/config"
)

func writeYAML(t *testing.T, path, body string) error {
	t.Helper()
	return os.WriteFile(path, []byte(body), 0o600)
}

func TestParseNetworkKeyFromSeed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	seed := priv.Seed()

	parsed, err := parseNetworkKey(hex.EncodeToString(seed))
	require.NoError(t, err)
	require.Equal(t, pub, parsed.Public())
}

func TestParseNetworkKeyFromFullPrivateKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	parsed, err := parseNetworkKey(hex.EncodeToString(priv))
	require.NoError(t, err)
	require.Equal(t, pub, parsed.Public())
}

func TestParseNetworkKeyRejectsWrongLength(t *testing.T) {
	_, err := parseNetworkKey(hex.EncodeToString([]byte("too short")))
	require.Error(t, err)
}

func TestParseNetworkKeyRejectsNonHex(t *testing.T) {
	_, err := parseNetworkKey("not hex!!")
	require.Error(t, err)
}

func TestStrip0x(t *testing.T) {
	require.Equal(t, "abcd", strip0x("0xabcd"))
	require.Equal(t, "abcd", strip0x("abcd"))
}

func TestToChainConfigMapsAddresses(t *testing.T) {
	c := config.ChainConfig{
		ID:                 7,
		RPCURL:             "http://localhost:8545",
		ConfirmationDepth:  12,
		CiphernodeRegistry: "0x1111111111111111111111111111111111111111",
	}
	cfg := toChainConfig(c)
	require.EqualValues(t, 7, cfg.ID)
	require.Equal(t, "http://localhost:8545", cfg.RPCURL)
	require.EqualValues(t, 12, cfg.ConfirmationDepth)
	require.Equal(t, "0x1111111111111111111111111111111111111111", cfg.CiphernodeRegistry.Hex())
}
