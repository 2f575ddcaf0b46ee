package secrets_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/secrets"
)

func writeSecrets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadNonAggregatorDoesNotRequirePrivateKey(t *testing.T) {
	path := writeSecrets(t, `{"password":"pw","network_private_key":"abcd"}`)
	s, err := secrets.Load(path, false)
	require.NoError(t, err)
	require.Equal(t, "pw", s.Password)
	require.Empty(t, s.PrivateKey)
}

func TestLoadAggregatorRequiresPrivateKey(t *testing.T) {
	path := writeSecrets(t, `{"password":"pw","network_private_key":"abcd"}`)
	_, err := secrets.Load(path, true)
	require.Error(t, err)
}

func TestLoadAggregatorWithPrivateKeySucceeds(t *testing.T) {
	path := writeSecrets(t, `{"password":"pw","network_private_key":"abcd","private_key":"ef01"}`)
	s, err := secrets.Load(path, true)
	require.NoError(t, err)
	require.Equal(t, "ef01", s.PrivateKey)
}

func TestLoadMissingPasswordFails(t *testing.T) {
	path := writeSecrets(t, `{"network_private_key":"abcd"}`)
	_, err := secrets.Load(path, false)
	require.Error(t, err)
}

func TestLoadMissingNetworkKeyFails(t *testing.T) {
	path := writeSecrets(t, `{"password":"pw"}`)
	_, err := secrets.Load(path, false)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := secrets.Load(filepath.Join(t.TempDir(), "nope.json"), false)
	require.Error(t, err)
}

func TestLoadMalformedJSONFails(t *testing.T) {
	path := writeSecrets(t, `{not json`)
	_, err := secrets.Load(path, false)
	require.Error(t, err)
}
