package aggregator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/aggregator"
	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/store/memkv"
	"github.com/luxfi/log"
)

type fakeResolver struct {
	committee []common.Address
}

func (f *fakeResolver) GetCommittee(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID) ([]common.Address, bool) {
	return f.committee, true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// TestPubkeyAggregatorOrderIndependence is spec.md §8 property 5: the
// aggregated public key does not depend on the order shares arrive in.
func TestPubkeyAggregatorOrderIndependence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chainID := ids.ChainID(1)
	e3id := ids.E3ID(9)
	seed := []byte("round-seed")

	a1 := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	a2 := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	committee := []common.Address{a1, a2}
	resolver := &fakeResolver{committee: committee}

	params, err := fhe.NewParams(fhe.Literal{T: 65537})
	require.NoError(t, err)
	crs, err := params.CommonRandomPoly(e3id, seed)
	require.NoError(t, err)

	sk1 := params.GenerateSecretKey()
	sk2 := params.GenerateSecretKey()
	share1, err := params.PublicKeyShare(sk1, crs).MarshalBinary()
	require.NoError(t, err)
	share2, err := params.PublicKeyShare(sk2, crs).MarshalBinary()
	require.NoError(t, err)

	run := func(first, second common.Address, firstShare, secondShare []byte) []byte {
		kv := memkv.New()
		logger := log.NewNoOpLogger()
		b, err := bus.New(ctx, kv, logger)
		require.NoError(t, err)
		go b.Run(ctx)

		paramsByChain := map[ids.ChainID]*fhe.Params{chainID: params}
		ag := aggregator.NewPubkeyAggregator(resolver, b, paramsByChain, logger)
		ag.NoteSeed(chainID, e3id, seed)
		ag.Subscribe(ctx, b)

		var result []byte
		b.Subscribe(ctx, "PublicKeyAggregated", func(ctx context.Context, e *bus.Event) {
			var body struct {
				E3ID      uint64
				PublicKey []byte
			}
			require.NoError(t, json.Unmarshal(e.Body, &body))
			result = body.PublicKey
		})

		publish := func(operator common.Address, share []byte) {
			payload, err := json.Marshal(struct {
				E3ID        uint64
				Operator    string
				PubKeyShare []byte
			}{E3ID: uint64(e3id), Operator: operator.Hex(), PubKeyShare: share})
			require.NoError(t, err)
			_, err = b.Publish(bus.NewEvent(chainID, "KeyshareCreated", payload, bus.ScopeNetwork))
			require.NoError(t, err)
		}
		publish(first, firstShare)
		publish(second, secondShare)

		waitFor(t, func() bool { return result != nil })
		return result
	}

	resultAB := run(a1, a2, share1, share2)
	resultBA := run(a2, a1, share2, share1)
	require.Equal(t, resultAB, resultBA)
}

// TestPlaintextAggregatorFiresAtThreshold checks that aggregation fires on
// the first complete subset of m shares, without waiting for all n.
func TestPlaintextAggregatorFiresAtThreshold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chainID := ids.ChainID(1)
	e3id := ids.E3ID(3)
	seed := []byte("seed")

	a1 := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	a2 := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	a3 := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	committee := []common.Address{a1, a2, a3}
	resolver := &fakeResolver{committee: committee}

	params, err := fhe.NewParams(fhe.Literal{T: 65537})
	require.NoError(t, err)
	crs, err := params.CommonRandomPoly(e3id, seed)
	require.NoError(t, err)

	sk1 := params.GenerateSecretKey()
	pk, err := params.AggregatePublicKey([]*fhe.PubKeyShare{params.PublicKeyShare(sk1, crs)}, crs)
	require.NoError(t, err)
	ct := params.EncryptForTest(pk, []uint64{5})
	ctBytes, err := ct.MarshalBinary()
	require.NoError(t, err)

	kv := memkv.New()
	logger := log.NewNoOpLogger()
	b, err := bus.New(ctx, kv, logger)
	require.NoError(t, err)
	go b.Run(ctx)

	paramsByChain := map[ids.ChainID]*fhe.Params{chainID: params}
	ag := aggregator.NewPlaintextAggregator(resolver, b, paramsByChain, logger)
	ag.NoteThreshold(chainID, e3id, 2)
	ag.Subscribe(ctx, b)

	var fired int
	b.Subscribe(ctx, "PlaintextAggregated", func(ctx context.Context, e *bus.Event) {
		fired++
	})

	ctPayload, err := json.Marshal(struct {
		E3ID       uint64
		Ciphertext []byte
	}{E3ID: uint64(e3id), Ciphertext: ctBytes})
	require.NoError(t, err)
	_, err = b.Publish(bus.NewEvent(chainID, "CiphertextOutputPublished", ctPayload, bus.ScopeNetwork))
	require.NoError(t, err)

	share1 := params.DecryptionShare(sk1, ct)
	share1Bytes, err := share1.MarshalBinary()
	require.NoError(t, err)
	publishShare := func(operator common.Address, share []byte) {
		payload, err := json.Marshal(struct {
			E3ID     uint64
			Operator string
			PartyID  uint32
			Share    []byte
		}{E3ID: uint64(e3id), Operator: operator.Hex(), Share: share})
		require.NoError(t, err)
		_, err = b.Publish(bus.NewEvent(chainID, "DecryptionshareCreated", payload, bus.ScopeNetwork))
		require.NoError(t, err)
	}
	publishShare(a1, share1Bytes)

	sk2 := params.GenerateSecretKey()
	share2 := params.DecryptionShare(sk2, ct)
	share2Bytes, err := share2.MarshalBinary()
	require.NoError(t, err)
	publishShare(a2, share2Bytes)

	waitFor(t, func() bool { return fired > 0 })
	require.Equal(t, 1, fired)
}
