// Package nodestate implements the node-state manager of spec.md §4.E: the
// mirror of registered operators and their stake/activation state, per
// chain, owned exclusively by this actor and persisted before every event
// is acknowledged.
package nodestate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/store"
)

// Operator mirrors spec.md §3's per-operator node state.
type Operator struct {
	TicketBalance *big.Int
	Active        bool
	JobsInFlight  uint32
}

// Config mirrors the global, per-chain configuration in spec.md §3.
type Config struct {
	TicketPrice    *big.Int
	MinTicketBal   *big.Int
	ThresholdMinM  uint32
	ThresholdMaxM  uint32
	ThresholdMinN  uint32
	ThresholdMaxN  uint32
}

// State is the synchronous snapshot exposed to sortition.
type State struct {
	Nodes       map[string]Operator // keyed by the operator address string as carried in the event body (checksummed hex)
	TicketPrice *big.Int
	MinBalance  *big.Int
}

// persistedOperator is the stored form of Operator; the ticket balance is
// carried as a decimal string.
type persistedOperator struct {
	TicketBalance string
	Active        bool
	JobsInFlight  uint32
}

func toPersisted(o Operator) persistedOperator {
	bal := "0"
	if o.TicketBalance != nil {
		bal = o.TicketBalance.String()
	}
	return persistedOperator{TicketBalance: bal, Active: o.Active, JobsInFlight: o.JobsInFlight}
}

func fromPersisted(p persistedOperator) Operator {
	bal := new(big.Int)
	bal.SetString(p.TicketBalance, 10)
	return Operator{TicketBalance: bal, Active: p.Active, JobsInFlight: p.JobsInFlight}
}

// Manager owns /nodes/<chain_id>/<operator> and /config/<chain_id>. All
// mutation happens on its single mailbox goroutine; GetState is a
// synchronous read of the in-memory mirror, which is always consistent
// because only this actor ever writes it.
type Manager struct {
	log log.Logger

	mu     sync.RWMutex
	chains map[ids.ChainID]*chainState
	repos  map[ids.ChainID]*store.Repository[persistedOperator]
	cfgs   map[ids.ChainID]*store.Persistable[Config]
	kv     store.KV
}

type chainState struct {
	nodes  map[string]Operator
	config Config
}

// New returns a Manager with no chains hydrated yet; call Hydrate per
// configured chain during bootstrap.
func New(kv store.KV, logger log.Logger) *Manager {
	return &Manager{
		log:    logger,
		chains: make(map[ids.ChainID]*chainState),
		repos:  make(map[ids.ChainID]*store.Repository[persistedOperator]),
		cfgs:   make(map[ids.ChainID]*store.Persistable[Config]),
		kv:     kv,
	}
}

// Hydrate loads the persisted mirror for chainID from the store.
func (m *Manager) Hydrate(ctx context.Context, chainID ids.ChainID) error {
	repo := store.NewRepository[persistedOperator](m.kv, fmt.Sprintf("/nodes/%d/", uint64(chainID)))
	nodes, err := repo.Scan(ctx)
	if err != nil {
		return fmt.Errorf("nodestate: hydrate nodes chain %d: %w", chainID, err)
	}

	cfgRepo := store.NewRepository[Config](m.kv, "/config/")
	cfgP, err := cfgRepo.Load(ctx, fmt.Sprintf("%d", uint64(chainID)))
	if err != nil {
		return fmt.Errorf("nodestate: hydrate config chain %d: %w", chainID, err)
	}
	cfg, ok := cfgP.Get()
	if !ok {
		cfg = Config{TicketPrice: big.NewInt(0), MinTicketBal: big.NewInt(0)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cs := &chainState{nodes: make(map[string]Operator), config: cfg}
	for addr, p := range nodes {
		cs.nodes[addr] = fromPersisted(p)
	}
	m.chains[chainID] = cs
	m.repos[chainID] = repo
	m.cfgs[chainID] = cfgP
	return nil
}

// Subscribe wires the four node-state events (spec.md §4.E) to this
// manager's handlers on bus b.
func (m *Manager) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "CiphernodeAdded", m.handleCiphernodeAdded)
	b.Subscribe(ctx, "CiphernodeRemoved", m.handleCiphernodeRemoved)
	b.Subscribe(ctx, "TicketBalanceUpdated", m.handleTicketBalanceUpdated)
	b.Subscribe(ctx, "OperatorActivationChanged", m.handleOperatorActivationChanged)
	b.Subscribe(ctx, "ConfigurationUpdated", m.handleConfigurationUpdated)
}

type ciphernodeAddedBody struct {
	Operator string
	Index    uint32
	NumNodes uint32
}

type ciphernodeRemovedBody struct {
	Operator string
	Index    uint32
	NumNodes uint32
}

type ticketBalanceUpdatedBody struct {
	Operator   string
	Delta      string
	NewBalance string
}

type operatorActivationChangedBody struct {
	Operator string
	Active   bool
}

type configurationUpdatedBody struct {
	Parameter string
	New       string
}

func (m *Manager) handleCiphernodeAdded(ctx context.Context, e *bus.Event) {
	var body ciphernodeAddedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		m.log.Error("nodestate: malformed CiphernodeAdded", "err", err)
		return
	}
	m.upsert(ctx, e.ChainID, body.Operator, func(o *Operator) {
		if o.TicketBalance == nil {
			o.TicketBalance = big.NewInt(0)
		}
	})
}

func (m *Manager) handleCiphernodeRemoved(ctx context.Context, e *bus.Event) {
	var body ciphernodeRemovedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		m.log.Error("nodestate: malformed CiphernodeRemoved", "err", err)
		return
	}
	m.remove(ctx, e.ChainID, body.Operator)
}

func (m *Manager) handleTicketBalanceUpdated(ctx context.Context, e *bus.Event) {
	var body ticketBalanceUpdatedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		m.log.Error("nodestate: malformed TicketBalanceUpdated", "err", err)
		return
	}
	newBal, ok := new(big.Int).SetString(body.NewBalance, 10)
	if !ok {
		m.log.Error("nodestate: malformed ticket balance", "raw", body.NewBalance)
		return
	}
	active := m.isActive(e.ChainID, newBal)
	m.upsert(ctx, e.ChainID, body.Operator, func(o *Operator) {
		o.TicketBalance = newBal
		o.Active = active
	})
}

func (m *Manager) handleOperatorActivationChanged(ctx context.Context, e *bus.Event) {
	var body operatorActivationChangedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		m.log.Error("nodestate: malformed OperatorActivationChanged", "err", err)
		return
	}
	m.upsert(ctx, e.ChainID, body.Operator, func(o *Operator) {
		o.Active = body.Active
	})
}

func (m *Manager) handleConfigurationUpdated(ctx context.Context, e *bus.Event) {
	var body configurationUpdatedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		m.log.Error("nodestate: malformed ConfigurationUpdated", "err", err)
		return
	}
	m.mu.Lock()
	cs, ok := m.chains[e.ChainID]
	cfgP := m.cfgs[e.ChainID]
	m.mu.Unlock()
	if !ok || cfgP == nil {
		m.log.Warn("nodestate: ConfigurationUpdated for unhydrated chain", "chain", e.ChainID)
		return
	}
	newVal, ok2 := new(big.Int).SetString(body.New, 10)
	if !ok2 {
		m.log.Error("nodestate: malformed configuration value", "parameter", body.Parameter)
		return
	}
	m.mu.Lock()
	switch body.Parameter {
	case "ticket_price":
		cs.config.TicketPrice = newVal
	case "min_ticket_balance":
		cs.config.MinTicketBal = newVal
	}
	cfg := cs.config
	m.mu.Unlock()
	if err := cfgP.Set(ctx, cfg); err != nil {
		m.log.Error("nodestate: persist config failed", "err", err)
	}
}

// isActive implements the at-rest invariant of spec.md §3:
// active == (ticket_balance >= min_ticket_balance).
func (m *Manager) isActive(chainID ids.ChainID, balance *big.Int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.chains[chainID]
	if !ok || cs.config.MinTicketBal == nil {
		return false
	}
	return balance.Cmp(cs.config.MinTicketBal) >= 0
}

func (m *Manager) upsert(ctx context.Context, chainID ids.ChainID, addr string, mutate func(*Operator)) {
	m.mu.Lock()
	cs, ok := m.chains[chainID]
	repo := m.repos[chainID]
	m.mu.Unlock()
	if !ok || repo == nil {
		m.log.Warn("nodestate: event for unhydrated chain", "chain", chainID)
		return
	}
	key := addr
	m.mu.Lock()
	o := cs.nodes[key]
	mutate(&o)
	cs.nodes[key] = o
	m.mu.Unlock()

	p, err := repo.Load(ctx, key)
	if err != nil {
		m.log.Error("nodestate: load operator record failed", "err", err)
		return
	}
	if err := p.Set(ctx, toPersisted(o)); err != nil {
		m.log.Error("nodestate: persist operator record failed", "err", err)
	}
}

func (m *Manager) remove(ctx context.Context, chainID ids.ChainID, addr string) {
	m.mu.Lock()
	cs, ok := m.chains[chainID]
	repo := m.repos[chainID]
	if ok {
		delete(cs.nodes, addr)
	}
	m.mu.Unlock()
	if !ok || repo == nil {
		return
	}
	p, err := repo.Load(ctx, addr)
	if err != nil {
		m.log.Error("nodestate: load operator record for removal failed", "err", err)
		return
	}
	if err := p.Delete(ctx); err != nil {
		m.log.Error("nodestate: delete operator record failed", "err", err)
	}
}

// GetState returns a synchronous snapshot of chain's node-state mirror, as
// consumed by sortition (spec.md §4.E).
func (m *Manager) GetState(chainID ids.ChainID) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.chains[chainID]
	if !ok {
		return State{}, false
	}
	nodes := make(map[string]Operator, len(cs.nodes))
	for k, v := range cs.nodes {
		nodes[k] = v
	}
	return State{Nodes: nodes, TicketPrice: cs.config.TicketPrice, MinBalance: cs.config.MinTicketBal}, true
}

// Health reports whether every chain passed to Hydrate during bootstrap
// still has a mirror loaded, mirroring the teacher's
// networking/router.Health pattern adapted to an actual invariant: a chain
// that lost its mirror (e.g. a Hydrate call that failed silently somewhere
// upstream) cannot safely feed sortition.
func (m *Manager) Health(chains []ids.ChainID) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range chains {
		if _, ok := m.chains[c]; !ok {
			return fmt.Errorf("nodestate: chain %d has no hydrated mirror", uint64(c))
		}
	}
	return nil
}
