// Package selector implements the ciphernode selector of spec.md §4.G: for
// this local identity, decide whether to participate in a given E3.
package selector

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
)

// Selector watches CommitteeFinalized events and emits CiphernodeSelected
// whenever the local address is a member.
type Selector struct {
	log     log.Logger
	self    common.Address
	b       *bus.Bus
}

// New returns a Selector for the given local operator address.
func New(self common.Address, b *bus.Bus, logger log.Logger) *Selector {
	return &Selector{log: logger, self: self, b: b}
}

// Subscribe wires CommitteeFinalized to this selector's handler.
func (s *Selector) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "CommitteeFinalized", s.handleCommitteeFinalized)
}

type committeeFinalizedBody struct {
	E3ID      uint64
	Committee []string
}

type ciphernodeSelectedBody struct {
	E3ID     uint64
	Operator string
}

func (s *Selector) handleCommitteeFinalized(ctx context.Context, e *bus.Event) {
	var body committeeFinalizedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		s.log.Error("selector: malformed CommitteeFinalized", "err", err)
		return
	}
	for _, addr := range body.Committee {
		if common.HexToAddress(addr) != s.self {
			continue
		}
		payload, err := json.Marshal(ciphernodeSelectedBody{E3ID: body.E3ID, Operator: s.self.Hex()})
		if err != nil {
			s.log.Error("selector: marshal CiphernodeSelected failed", "err", err)
			return
		}
		// Publishing through the content-addressed bus makes this handler
		// idempotent under replay: a re-delivered CommitteeFinalized
		// produces the same CiphernodeSelected id and is deduped.
		if _, err := s.b.Publish(bus.NewEvent(e.ChainID, "CiphernodeSelected", payload, bus.ScopeLocal)); err != nil {
			s.log.Error("selector: publish CiphernodeSelected failed", "err", err)
		}
		return
	}
}
