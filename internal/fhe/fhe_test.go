package fhe_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
)

func newTestParams(t *testing.T) *fhe.Params {
	t.Helper()
	p, err := fhe.NewParams(fhe.Literal{LogN: 14, T: 65537, LogQP: []int{438}})
	require.NoError(t, err)
	return p
}

func TestCommonRandomPolyIsDeterministicPerE3AndSeed(t *testing.T) {
	p := newTestParams(t)
	seed := []byte("e3-request-seed")

	a, err := p.CommonRandomPoly(ids.E3ID(1), seed)
	require.NoError(t, err)
	b, err := p.CommonRandomPoly(ids.E3ID(1), seed)
	require.NoError(t, err)
	require.True(t, a.Equals(b))

	c, err := p.CommonRandomPoly(ids.E3ID(2), seed)
	require.NoError(t, err)
	require.False(t, a.Equals(c))
}

// TestThresholdRoundTrip runs a full three-party collective key generation,
// encryption under the aggregated public key, and threshold decryption,
// mirroring the CiphernodeSelected -> CiphertextOutputPublished flow
// end to end without a live committee.
func TestThresholdRoundTrip(t *testing.T) {
	p := newTestParams(t)
	crs, err := p.CommonRandomPoly(ids.E3ID(7), []byte("seed"))
	require.NoError(t, err)

	const parties = 3
	sks := make([]*fhe.SecretKey, parties)
	pkShares := make([]*fhe.PubKeyShare, parties)
	for i := range sks {
		sks[i] = p.GenerateSecretKey()
		pkShares[i] = p.PublicKeyShare(sks[i], crs)
	}

	pk, err := p.AggregatePublicKey(pkShares, crs)
	require.NoError(t, err)

	want := []uint64{1, 2, 3, 4}
	ct := p.EncryptForTest(pk, want)

	decShares := make([]*fhe.DecryptionShare, parties)
	for i, sk := range sks {
		decShares[i] = p.DecryptionShare(sk, ct)
	}

	got, err := p.AggregatePlaintext(decShares, ct)
	require.NoError(t, err)
	require.Equal(t, want, got[:len(want)])
}

func TestAggregatePublicKeyRejectsEmptyShares(t *testing.T) {
	p := newTestParams(t)
	_, err := p.AggregatePublicKey(nil, nil)
	require.Error(t, err)
}

func TestAggregatePlaintextRejectsEmptyShares(t *testing.T) {
	p := newTestParams(t)
	_, err := p.AggregatePlaintext(nil, nil)
	require.Error(t, err)
}
