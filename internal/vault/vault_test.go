package vault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/vault"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v := vault.New("correct horse battery staple")
	plaintext := []byte("a BFV secret key's raw bytes")

	sealed, err := v.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := v.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	sealed, err := vault.New("correct password").Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = vault.New("wrong password").Open(sealed)
	require.Error(t, err)
}

func TestOpenRejectsTruncatedEnvelope(t *testing.T) {
	_, err := vault.New("pw").Open([]byte("too short"))
	require.Error(t, err)
}

func TestSealIsNonDeterministic(t *testing.T) {
	v := vault.New("pw")
	a, err := v.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := v.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	require.NotEqual(t, a, b, "random salt/nonce per call must change the ciphertext")
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	vault.Zeroize(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)
}
