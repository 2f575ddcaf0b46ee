package aggregator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// PlaintextAggregator runs spec.md §4.K: collects decryption shares and
// fires BFV aggregation on the first complete subset of m shares in
// committee order — unlike the public-key aggregator it does not wait for
// all n committee members.
type PlaintextAggregator struct {
	log      log.Logger
	b        *bus.Bus
	resolver committeeResolver
	params   map[ids.ChainID]*fhe.Params

	mu          sync.Mutex
	thresholds  map[ids.ChainE3]int
	ciphertexts map[ids.ChainE3]*fhe.Ciphertext
	buffers     map[ids.ChainE3]*shareBuffer
	done        map[ids.ChainE3]bool
}

// NewPlaintextAggregator returns a PlaintextAggregator.
func NewPlaintextAggregator(resolver committeeResolver, b *bus.Bus, params map[ids.ChainID]*fhe.Params, logger log.Logger) *PlaintextAggregator {
	return &PlaintextAggregator{
		log: logger, b: b, resolver: resolver, params: params,
		thresholds:  make(map[ids.ChainE3]int),
		ciphertexts: make(map[ids.ChainE3]*fhe.Ciphertext),
		buffers:     make(map[ids.ChainE3]*shareBuffer),
		done:        make(map[ids.ChainE3]bool),
	}
}

// Subscribe wires DecryptionshareCreated and CiphertextOutputPublished to
// this aggregator.
func (a *PlaintextAggregator) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "DecryptionshareCreated", a.handleDecryptionShareCreated)
	b.Subscribe(ctx, "CiphertextOutputPublished", a.handleCiphertextPublished)
}

// NoteThreshold records the m-of-n decryption threshold for an E3, from its
// E3Requested event.
func (a *PlaintextAggregator) NoteThreshold(chainID ids.ChainID, e3id ids.E3ID, m int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds[ids.ChainE3{Chain: chainID, E3: e3id}] = m
}

type ciphertextOutputPublishedBody struct {
	E3ID       uint64
	Ciphertext []byte
}

func (a *PlaintextAggregator) handleCiphertextPublished(ctx context.Context, e *bus.Event) {
	var body ciphertextOutputPublishedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		a.log.Error("aggregator/plaintext: malformed CiphertextOutputPublished", "err", err)
		return
	}
	ct := &fhe.Ciphertext{}
	if err := ct.UnmarshalBinary(body.Ciphertext); err != nil {
		a.log.Error("aggregator/plaintext: unmarshal ciphertext failed", "err", err)
		return
	}
	key := ids.ChainE3{Chain: e.ChainID, E3: ids.E3ID(body.E3ID)}
	a.mu.Lock()
	a.ciphertexts[key] = ct
	a.mu.Unlock()
	a.tryAggregate(ctx, e.ChainID, ids.E3ID(body.E3ID))
}

type decryptionShareCreatedBody struct {
	E3ID     uint64
	Operator string
	PartyID  uint32
	Share    []byte
}

type plaintextAggregatedBody struct {
	E3ID      uint64
	Plaintext []uint64
	Nodes     []string
}

func (a *PlaintextAggregator) handleDecryptionShareCreated(ctx context.Context, e *bus.Event) {
	var body decryptionShareCreatedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		a.log.Error("aggregator/plaintext: malformed DecryptionshareCreated", "err", err)
		return
	}
	e3id := ids.E3ID(body.E3ID)
	key := ids.ChainE3{Chain: e.ChainID, E3: e3id}
	operator := common.HexToAddress(body.Operator)

	partyID, err := validateMembership(a.resolver, e.ChainID, e3id, operator)
	if err != nil {
		emitInvalidShare(ctx, a.b, a.log, e.ChainID, e3id, "plaintext", err)
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
			return
		}
		buf = newShareBuffer(committee)
		a.buffers[key] = buf
	}
	buf.put(partyID, body.Share)
	a.mu.Unlock()

	a.tryAggregate(ctx, e.ChainID, e3id)
}

// tryAggregate fires the plaintext aggregation as soon as both the
// ciphertext and m ordered shares are available — "first complete subset
// of size m in committee order", spec.md §4.K step 2.
func (a *PlaintextAggregator) tryAggregate(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID) {
	key := ids.ChainE3{Chain: chainID, E3: e3id}

	a.mu.Lock()
	if a.done[key] {
		a.mu.Unlock()
		return
	}
	m, haveM := a.thresholds[key]
	ct, haveCT := a.ciphertexts[key]
	buf, haveBuf := a.buffers[key]
	if !haveM || !haveCT || !haveBuf {
		a.mu.Unlock()
		return
	}
	ordered, complete := buf.ordered(m)
	if !complete {
		a.mu.Unlock()
		return
	}
	a.done[key] = true
	a.mu.Unlock()

	params, ok := a.params[chainID]
	if !ok {
		a.log.Error("aggregator/plaintext: no fhe params for chain", "chain", chainID)
		return
	}
	shares := make([]*fhe.DecryptionShare, 0, len(ordered))
	for _, raw := range ordered {
		s := &fhe.DecryptionShare{}
		if err := s.UnmarshalBinary(raw); err != nil {
			a.log.Error("aggregator/plaintext: unmarshal share failed", "err", err)
			return
		}
		shares = append(shares, s)
	}
	values, err := params.AggregatePlaintext(shares, ct)
	if err != nil {
		a.log.Error("aggregator/plaintext: aggregate failed", "err", err)
		return
	}
	payload, err := json.Marshal(plaintextAggregatedBody{E3ID: uint64(e3id), Plaintext: values, Nodes: committeeHexes(buf.committee)})
	if err != nil {
		a.log.Error("aggregator/plaintext: marshal PlaintextAggregated failed", "err", err)
		return
	}
	if _, err := a.b.Publish(bus.NewEvent(chainID, "PlaintextAggregated", payload, bus.ScopeNetwork)); err != nil {
		a.log.Error("aggregator/plaintext: publish PlaintextAggregated failed", "err", err)
	}
}
