// Package aggregator implements the public-key and plaintext aggregators
// of spec.md §4.J / §4.K: collect per-party shares keyed by the finalized
// committee's order, fire the BFV aggregation at threshold, and drop
// invalid shares without aborting the round.
package aggregator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/sortition"
)

// committeeResolver is the subset of sortition.Engine an aggregator needs:
// the finalized committee, to validate membership and to order shares.
type committeeResolver interface {
	GetCommittee(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID) ([]common.Address, bool)
}

// shareBuffer accumulates one E3's shares indexed by committee slot, so
// aggregation always runs in committee order regardless of arrival order
// (spec.md §8 property 5: aggregation result is independent of receive
// order).
type shareBuffer struct {
	committee []common.Address
	slots     map[ids.PartyID][]byte // raw share bytes, nil until received
	received  int
}

func newShareBuffer(committee []common.Address) *shareBuffer {
	return &shareBuffer{committee: committee, slots: make(map[ids.PartyID][]byte, len(committee))}
}

func (sb *shareBuffer) put(partyID ids.PartyID, share []byte) bool {
	if int(partyID) >= len(sb.committee) {
		return false
	}
	if _, already := sb.slots[partyID]; already {
		return false
	}
	sb.slots[partyID] = share
	sb.received++
	return true
}

// ordered returns the first n received shares in committee order, or false
// if fewer than n have arrived.
func (sb *shareBuffer) ordered(n int) ([][]byte, bool) {
	if sb.received < n {
		return nil, false
	}
	out := make([][]byte, 0, n)
	for i := 0; i < len(sb.committee) && len(out) < n; i++ {
		if s, ok := sb.slots[ids.PartyID(i)]; ok {
			out = append(out, s)
		}
	}
	return out, len(out) == n
}

func validateMembership(resolver committeeResolver, chainID ids.ChainID, e3id ids.E3ID, operator common.Address) (ids.PartyID, error) {
	committee, ok := resolver.GetCommittee(context.Background(), chainID, e3id)
	if !ok {
		return 0, fmt.Errorf("aggregator: no finalized committee for %s/%s", chainID, e3id)
	}
	partyID, err := sortition.PartyID(committee, operator)
	if err != nil {
		return 0, err
	}
	return partyID, nil
}

// committeeHexes renders a finalized committee as hex addresses for the
// nodes/committee field spec.md §3 lists on PublicKeyAggregated and
// PlaintextAggregated.
func committeeHexes(committee []common.Address) []string {
	out := make([]string, len(committee))
	for i, addr := range committee {
		out[i] = addr.Hex()
	}
	return out
}

func emitInvalidShare(ctx context.Context, b *bus.Bus, logger log.Logger, chainID ids.ChainID, e3id ids.E3ID, kind string, reason error) {
	payload := []byte(fmt.Sprintf(`{"e3_id":%d,"kind":%q,"reason":%q}`, uint64(e3id), kind, reason.Error()))
	if _, err := b.Publish(bus.NewEvent(chainID, "InvalidShare", payload, bus.ScopeLocal)); err != nil {
		logger.Error("aggregator: publish InvalidShare failed", "err", err)
	}
}
