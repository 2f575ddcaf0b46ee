// Package sortition implements the deterministic, stake-weighted committee
// selection of spec.md §4.F: given identical node-state snapshots and
// identical event ordering, every honest node computes identical ticket
// scores and submits identical tickets.
package sortition

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/nodestate"
	"github.com/enclave-xyz/ciphernode/internal/store"
)

// TicketCap bounds the number of tickets any single operator can submit
// per E3, independent of its raw balance, so that one very large holder
// cannot dominate every score slot.
const TicketCap = 4096

// Ticket is one scored entry in the sortition round.
type Ticket struct {
	Operator   common.Address
	TicketIdx  uint64
	Score      common.Hash
}

// Engine runs sortition for every E3Requested event scoped to its chains
// and stores finalized committees once the chain confirms them.
type Engine struct {
	log   log.Logger
	nodes *nodestate.Manager
	b     *bus.Bus

	mu         sync.RWMutex
	committees *store.Repository[persistedCommittee]
	cache      map[ids.ChainE3][]common.Address
}

type persistedCommittee struct {
	Addresses []string
}

// New returns a sortition Engine. kv is the store backing
// /committees/<chain_id>/<e3_id>.
func New(kv store.KV, nodes *nodestate.Manager, b *bus.Bus, logger log.Logger) *Engine {
	return &Engine{
		log:        logger,
		nodes:      nodes,
		b:          b,
		committees: store.NewRepository[persistedCommittee](kv, "/committees/"),
		cache:      make(map[ids.ChainE3][]common.Address),
	}
}

// Subscribe wires E3Requested (to run sortition) and CommitteeFinalized (to
// persist the on-chain result) to this engine.
func (s *Engine) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "E3Requested", s.handleE3Requested)
	b.Subscribe(ctx, "CommitteeFinalized", s.handleCommitteeFinalized)
}

type e3RequestedBody struct {
	E3ID   uint64
	M      uint32
	N      uint32
	Seed   string // hex
	Params json.RawMessage
}

func (s *Engine) handleE3Requested(ctx context.Context, e *bus.Event) {
	var body e3RequestedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		s.log.Error("sortition: malformed E3Requested", "err", err)
		return
	}
	state, ok := s.nodes.GetState(e.ChainID)
	if !ok {
		s.log.Warn("sortition: no node-state for chain", "chain", e.ChainID)
		return
	}

	eligible := eligibleOperators(state)
	if len(eligible) < int(body.N) {
		s.emitLocalFailure(ctx, e.ChainID, ids.E3ID(body.E3ID), "InsufficientCommittee")
		return
	}

	seed := common.FromHex(body.Seed)
	tickets := ScoreTickets(eligible, ids.E3ID(body.E3ID), seed)
	selected := tickets
	if len(selected) > int(body.N) {
		selected = selected[:body.N]
	}

	for _, t := range selected {
		payload, err := json.Marshal(ticketGeneratedBody{
			E3ID:      body.E3ID,
			Operator:  t.Operator.Hex(),
			TicketIdx: t.TicketIdx,
			Score:     t.Score.Hex(),
		})
		if err != nil {
			s.log.Error("sortition: marshal TicketGenerated failed", "err", err)
			continue
		}
		if _, err := s.b.Publish(bus.NewEvent(e.ChainID, "TicketGenerated", payload, bus.ScopeNetwork)); err != nil {
			s.log.Error("sortition: publish TicketGenerated failed", "err", err)
		}
	}
}

type ticketGeneratedBody struct {
	E3ID      uint64
	Operator  string
	TicketIdx uint64
	Score     string
}

type committeeFinalizedBody struct {
	E3ID      uint64
	Committee []string
}

func (s *Engine) handleCommitteeFinalized(ctx context.Context, e *bus.Event) {
	var body committeeFinalizedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		s.log.Error("sortition: malformed CommitteeFinalized", "err", err)
		return
	}
	key := ids.ChainE3{Chain: e.ChainID, E3: ids.E3ID(body.E3ID)}

	s.mu.Lock()
	if _, already := s.cache[key]; already {
		// Committee monotonicity (spec.md §8 property 4): once finalized,
		// no subsequent event changes it.
		s.mu.Unlock()
		return
	}
	addrs := make([]common.Address, len(body.Committee))
	for i, a := range body.Committee {
		addrs[i] = common.HexToAddress(a)
	}
	s.cache[key] = addrs
	s.mu.Unlock()

	p, err := s.committees.Load(ctx, key.String())
	if err != nil {
		s.log.Error("sortition: load committee slot failed", "err", err)
		return
	}
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.Hex()
	}
	if err := p.Set(ctx, persistedCommittee{Addresses: strs}); err != nil {
		s.log.Error("sortition: persist committee failed", "err", err)
	}
}

func (s *Engine) emitLocalFailure(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID, reason string) {
	payload, _ := json.Marshal(map[string]any{"e3_id": uint64(e3id), "reason": reason})
	if _, err := s.b.Publish(bus.NewEvent(chainID, "SortitionFailed", payload, bus.ScopeLocal)); err != nil {
		s.log.Error("sortition: publish SortitionFailed failed", "err", err)
	}
}

// GetCommittee returns the finalized committee for an E3, if any, consulting
// the in-memory cache first and the repository on a cold path (e.g. right
// after restart before CommitteeFinalized has replayed).
func (s *Engine) GetCommittee(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID) ([]common.Address, bool) {
	key := ids.ChainE3{Chain: chainID, E3: e3id}
	s.mu.RLock()
	addrs, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return addrs, true
	}
	p, err := s.committees.Load(ctx, key.String())
	if err != nil {
		s.log.Error("sortition: load committee failed", "err", err)
		return nil, false
	}
	persisted, found := p.Get()
	if !found {
		return nil, false
	}
	out := make([]common.Address, len(persisted.Addresses))
	for i, a := range persisted.Addresses {
		out[i] = common.HexToAddress(a)
	}
	s.mu.Lock()
	s.cache[key] = out
	s.mu.Unlock()
	return out, true
}

// eligibleOperators returns operators eligible per spec.md §4.F step 1:
// active and with a positive ticket balance. Returned in address order so
// ScoreTickets is itself deterministic regardless of map iteration order.
func eligibleOperators(state nodestate.State) []EligibleOperator {
	var out []EligibleOperator
	for addrHex, op := range state.Nodes {
		if !op.Active {
			continue
		}
		if op.TicketBalance == nil || op.TicketBalance.Sign() <= 0 {
			continue
		}
		out = append(out, EligibleOperator{Addr: common.HexToAddress(addrHex), Balance: op.TicketBalance})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.Hex() < out[j].Addr.Hex()
	})
	return out
}

// EligibleOperator is one operator eligible to receive sortition tickets:
// active, with a positive ticket balance (spec.md §4.F step 1).
type EligibleOperator struct {
	Addr    common.Address
	Balance *big.Int
}

// ScoreTickets implements spec.md §4.F step 3: score =
// H(operator ‖ e3_id ‖ seed ‖ ticket_index) for each of
// min(ticket_balance, cap) tickets an operator owns; returns all tickets
// sorted by score ascending, ties broken by (operator, ticket_index)
// lexicographic order — the caller takes the lowest n.
func ScoreTickets(eligible []EligibleOperator, e3id ids.E3ID, seed []byte) []Ticket {
	var tickets []Ticket
	for _, op := range eligible {
		numTickets := op.Balance
		capLimit := big.NewInt(TicketCap)
		if numTickets.Cmp(capLimit) > 0 {
			numTickets = capLimit
		}
		n := numTickets.Uint64()
		for i := uint64(0); i < n; i++ {
			tickets = append(tickets, Ticket{
				Operator:  op.Addr,
				TicketIdx: i,
				Score:     ticketScore(op.Addr, e3id, seed, i),
			})
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		si, sj := tickets[i].Score, tickets[j].Score
		if si != sj {
			return bytesLess(si[:], sj[:])
		}
		if tickets[i].Operator != tickets[j].Operator {
			return bytesLess(tickets[i].Operator[:], tickets[j].Operator[:])
		}
		return tickets[i].TicketIdx < tickets[j].TicketIdx
	})
	return tickets
}

func ticketScore(operator common.Address, e3id ids.E3ID, seed []byte, ticketIdx uint64) common.Hash {
	buf := make([]byte, 0, len(operator)+8+len(seed)+8)
	buf = append(buf, operator.Bytes()...)
	buf = append(buf, beUint64(uint64(e3id))...)
	buf = append(buf, seed...)
	buf = append(buf, beUint64(ticketIdx)...)
	return crypto.Keccak256Hash(buf)
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// PartyID returns a committee member's 0-based slot (spec.md §3): the
// committee array order is the canonical ordering that drives party-id
// assignment.
func PartyID(committee []common.Address, operator common.Address) (ids.PartyID, error) {
	for i, a := range committee {
		if a == operator {
			return ids.PartyID(i), nil
		}
	}
	return 0, fmt.Errorf("sortition: %s is not in the committee", operator.Hex())
}
