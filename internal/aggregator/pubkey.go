package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// PubkeyAggregator runs spec.md §4.J: collects one KeyshareCreated per
// committee member and, once all n have arrived in committee order, fires
// the BFV public-key aggregation and publishes PublicKeyAggregated.
type PubkeyAggregator struct {
	log       log.Logger
	b         *bus.Bus
	resolver  committeeResolver
	params    map[ids.ChainID]*fhe.Params
	seeds     map[ids.ChainE3][]byte

	mu      sync.Mutex
	buffers map[ids.ChainE3]*shareBuffer
	done    map[ids.ChainE3]bool
}

// NewPubkeyAggregator returns a PubkeyAggregator. params maps each chain to
// the BFV parameter set negotiated for its E3s; seeds records the
// per-(chain,e3) randomness seed an E3Requested event carried, needed to
// re-derive the common random polynomial.
func NewPubkeyAggregator(resolver committeeResolver, b *bus.Bus, params map[ids.ChainID]*fhe.Params, logger log.Logger) *PubkeyAggregator {
	return &PubkeyAggregator{
		log: logger, b: b, resolver: resolver, params: params,
		seeds:   make(map[ids.ChainE3][]byte),
		buffers: make(map[ids.ChainE3]*shareBuffer),
		done:    make(map[ids.ChainE3]bool),
	}
}

// Subscribe wires KeyshareCreated to this aggregator.
func (a *PubkeyAggregator) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "KeyshareCreated", a.handleKeyshareCreated)
}

// NoteSeed records the (chain, e3) randomness seed from an E3Requested
// event, ahead of any KeyshareCreated arriving for it.
func (a *PubkeyAggregator) NoteSeed(chainID ids.ChainID, e3id ids.E3ID, seed []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seeds[ids.ChainE3{Chain: chainID, E3: e3id}] = seed
}

type keyshareCreatedBody struct {
	E3ID        uint64
	Operator    string
	PubKeyShare []byte
}

type publicKeyAggregatedBody struct {
	E3ID      uint64
	PublicKey []byte
	Nodes     []string
}

func (a *PubkeyAggregator) handleKeyshareCreated(ctx context.Context, e *bus.Event) {
	var body keyshareCreatedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		a.log.Error("aggregator/pubkey: malformed KeyshareCreated", "err", err)
		return
	}
	e3id := ids.E3ID(body.E3ID)
	key := ids.ChainE3{Chain: e.ChainID, E3: e3id}
	operator := common.HexToAddress(body.Operator)

	partyID, err := validateMembership(a.resolver, e.ChainID, e3id, operator)
	if err != nil {
		emitInvalidShare(ctx, a.b, a.log, e.ChainID, e3id, "pubkey", err)
		return
	}

	a.mu.Lock()
	if a.done[key] {
		a.mu.Unlock()
		return
	}
	buf, ok := a.buffers[key]
	if !ok {
		committee, ok := a.resolver.GetCommittee(ctx, e.ChainID, e3id)
		if !ok {
			a.mu.Unlock()
			emitInvalidShare(ctx, a.b, a.log, e.ChainID, e3id, "pubkey", fmt.Errorf("committee not finalized"))
			return
		}
		buf = newShareBuffer(committee)
		a.buffers[key] = buf
	}
	if !buf.put(partyID, body.PubKeyShare) {
		a.mu.Unlock()
		return
	}
	n := len(buf.committee)
	ordered, complete := buf.ordered(n)
	if complete {
		a.done[key] = true
	}
	seed := a.seeds[key]
	a.mu.Unlock()

	if !complete {
		return
	}

	params, ok := a.params[e.ChainID]
	if !ok {
		a.log.Error("aggregator/pubkey: no fhe params for chain", "chain", e.ChainID)
		return
	}
	shares := make([]*fhe.PubKeyShare, 0, len(ordered))
	for _, raw := range ordered {
		s := &fhe.PubKeyShare{}
		if err := s.UnmarshalBinary(raw); err != nil {
			a.log.Error("aggregator/pubkey: unmarshal share failed", "err", err)
			return
		}
		shares = append(shares, s)
	}
	crs, err := params.CommonRandomPoly(e3id, seed)
	if err != nil {
		a.log.Error("aggregator/pubkey: derive crs failed", "err", err)
		return
	}
	pk, err := params.AggregatePublicKey(shares, crs)
	if err != nil {
		a.log.Error("aggregator/pubkey: aggregate failed", "err", err)
		return
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		a.log.Error("aggregator/pubkey: marshal public key failed", "err", err)
		return
	}
	payload, err := json.Marshal(publicKeyAggregatedBody{E3ID: body.E3ID, PublicKey: pkBytes, Nodes: committeeHexes(buf.committee)})
	if err != nil {
		a.log.Error("aggregator/pubkey: marshal PublicKeyAggregated failed", "err", err)
		return
	}
	if _, err := a.b.Publish(bus.NewEvent(e.ChainID, "PublicKeyAggregated", payload, bus.ScopeNetwork)); err != nil {
		a.log.Error("aggregator/pubkey: publish PublicKeyAggregated failed", "err", err)
	}
}
