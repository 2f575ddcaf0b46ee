// Package e3 implements the per-computation context router of spec.md
// §4.H: one actor per (chain_id, e3_id), owning the keyshare actor (if
// selected), driving the Requested → CommitteeFormed → PublicKeyReady →
// DecryptionOpen → Complete/Failed state machine. The public-key and
// plaintext aggregators are not owned by a context: one of each is shared
// by every context on the node and keeps its own state per E3.
package e3

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/aggregator"
	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/keyshare"
	"github.com/enclave-xyz/ciphernode/internal/sortition"
	"github.com/enclave-xyz/ciphernode/internal/store"
	"github.com/enclave-xyz/ciphernode/internal/vault"
	"github.com/enclave-xyz/ciphernode/internal/worker"
)

// Stage is one node of the state machine in spec.md §4.H.
type Stage int

const (
	StageRequested Stage = iota
	StageCommitteeFormed
	StagePublicKeyReady
	StageDecryptionOpen
	StageComplete
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageRequested:
		return "Requested"
	case StageCommitteeFormed:
		return "CommitteeFormed"
	case StagePublicKeyReady:
		return "PublicKeyReady"
	case StageDecryptionOpen:
		return "DecryptionOpen"
	case StageComplete:
		return "Complete"
	case StageFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Context is the per-E3 actor. Its own state transitions happen on the
// calling bus subscriber goroutine (the bus actor's mailbox), matching
// spec.md §5: handlers run to completion without shared-state races because
// each is invoked from the single bus mailbox loop.
type Context struct {
	log     log.Logger
	chainID ids.ChainID
	e3id    ids.E3ID
	runID   string // correlation id for this context's lifetime, folded into every log line below

	mu    sync.Mutex
	stage Stage

	keyshare *keyshare.Actor // nil if this node was not selected
	cancel   context.CancelFunc
}

// expiration is how long an E3 context waits in a non-terminal stage before
// the router cancels it (spec.md §5 "each E3 has a wall-clock expiration").
const expiration = 10 * time.Minute

// Router owns every live E3 context, keyed by (chain_id, e3_id).
type Router struct {
	log       log.Logger
	self      common.Address
	b         *bus.Bus
	sortition *sortition.Engine
	pool      *worker.Pool
	vlt       *vault.Vault
	keys      *keyshare.SecretKeyRepository
	params    map[ids.ChainID]*fhe.Params
	pubAgg    *aggregator.PubkeyAggregator
	plainAgg  *aggregator.PlaintextAggregator

	mu    sync.Mutex
	live  map[ids.ChainE3]*Context
	seeds map[ids.ChainE3][]byte
}

// NewRouter wires a Router. The aggregators are shared across every E3
// context on this node (they key their own internal state by e3_id), while
// the keyshare actor is instantiated per context, per spec.md §4.H/§4.I.
func NewRouter(
	self common.Address,
	b *bus.Bus,
	sortitionEngine *sortition.Engine,
	pool *worker.Pool,
	v *vault.Vault,
	keys *keyshare.SecretKeyRepository,
	params map[ids.ChainID]*fhe.Params,
	pubAgg *aggregator.PubkeyAggregator,
	plainAgg *aggregator.PlaintextAggregator,
	logger log.Logger,
) *Router {
	return &Router{
		log: logger, self: self, b: b, sortition: sortitionEngine, pool: pool,
		vlt: v, keys: keys, params: params, pubAgg: pubAgg, plainAgg: plainAgg,
		live:  make(map[ids.ChainE3]*Context),
		seeds: make(map[ids.ChainE3][]byte),
	}
}

// Subscribe wires the events that drive E3 lifecycle transitions.
func (r *Router) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "E3Requested", r.handleE3Requested)
	b.Subscribe(ctx, "CommitteeFinalized", r.handleCommitteeFinalized)
	b.Subscribe(ctx, "CiphernodeSelected", r.handleCiphernodeSelected)
	b.Subscribe(ctx, "PublicKeyAggregated", r.handlePublicKeyAggregated)
	b.Subscribe(ctx, "CiphertextOutputPublished", r.handleCiphertextOutputPublished)
	b.Subscribe(ctx, "PlaintextAggregated", r.handlePlaintextAggregated)
	b.Subscribe(ctx, "SortitionFailed", r.handleSortitionFailed)
	b.Subscribe(ctx, "OnChainRejection", r.handleOnChainRejection)
}

type e3RequestedBody struct {
	E3ID   uint64
	M      uint32
	N      uint32
	Seed   string
	Params json.RawMessage
}

func (r *Router) handleE3Requested(ctx context.Context, e *bus.Event) {
	var body e3RequestedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		r.log.Error("e3: malformed E3Requested", "err", err)
		return
	}
	e3id := ids.E3ID(body.E3ID)
	key := ids.ChainE3{Chain: e.ChainID, E3: e3id}

	cctx, cancel := context.WithTimeout(context.Background(), expiration)
	runID := uuid.NewString()
	c := &Context{log: r.log, chainID: e.ChainID, e3id: e3id, runID: runID, stage: StageRequested, cancel: cancel}
	r.log.Info("e3: context opened", "chain", e.ChainID, "e3", e3id, "run_id", runID)

	seed := common.FromHex(body.Seed)

	r.mu.Lock()
	r.live[key] = c
	r.seeds[key] = seed
	r.mu.Unlock()

	r.pubAgg.NoteSeed(e.ChainID, e3id, seed)
	r.plainAgg.NoteThreshold(e.ChainID, e3id, int(body.M))

	go func() {
		<-cctx.Done()
		if cctx.Err() != nil {
			r.expire(key)
		}
	}()
}

func (r *Router) expire(key ids.ChainE3) {
	r.mu.Lock()
	c, ok := r.live[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	terminal := c.stage == StageComplete || c.stage == StageFailed
	if !terminal {
		c.stage = StageFailed
	}
	c.mu.Unlock()
	if !terminal {
		r.teardown(key, false)
	}
}

type committeeFinalizedBody struct {
	E3ID      uint64
	Committee []string
}

func (r *Router) handleCommitteeFinalized(ctx context.Context, e *bus.Event) {
	var body committeeFinalizedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		r.log.Error("e3: malformed CommitteeFinalized", "err", err)
		return
	}
	c := r.get(e.ChainID, ids.E3ID(body.E3ID))
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.stage == StageRequested {
		c.stage = StageCommitteeFormed
	}
	c.mu.Unlock()
}

type ciphernodeSelectedBody struct {
	E3ID     uint64
	Operator string
}

func (r *Router) handleCiphernodeSelected(ctx context.Context, e *bus.Event) {
	var body ciphernodeSelectedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		r.log.Error("e3: malformed CiphernodeSelected", "err", err)
		return
	}
	if common.HexToAddress(body.Operator) != r.self {
		return
	}
	e3id := ids.E3ID(body.E3ID)
	c := r.get(e.ChainID, e3id)
	if c == nil {
		return
	}
	committee, ok := r.sortition.GetCommittee(ctx, e.ChainID, e3id)
	if !ok {
		r.log.Error("e3: selected but committee not finalized", "chain", e.ChainID, "e3", e3id)
		return
	}
	params, ok := r.params[e.ChainID]
	if !ok {
		r.log.Error("e3: no fhe params for chain", "chain", e.ChainID)
		return
	}
	actor, err := keyshare.New(r.self, e.ChainID, e3id, r.seedFor(e.ChainID, e3id), committee, params, r.b, r.pool, r.vlt, r.keys, r.log)
	if err != nil {
		r.log.Error("e3: construct keyshare actor failed", "err", err)
		return
	}
	c.mu.Lock()
	c.keyshare = actor
	c.mu.Unlock()
	if err := actor.OnSelected(ctx); err != nil {
		r.log.Error("e3: keyshare OnSelected failed", "run_id", c.runID, "err", err)
	}
}

// seedFor returns the randomness seed an E3Requested event carried,
// recorded so the keyshare actor can re-derive the common random
// polynomial independently of when it is constructed.
func (r *Router) seedFor(chainID ids.ChainID, e3id ids.E3ID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seed, ok := r.seeds[ids.ChainE3{Chain: chainID, E3: e3id}]; ok {
		return seed
	}
	return nil
}

func (r *Router) handlePublicKeyAggregated(ctx context.Context, e *bus.Event) {
	var body struct{ E3ID uint64 }
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return
	}
	c := r.get(e.ChainID, ids.E3ID(body.E3ID))
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.stage == StageCommitteeFormed || c.stage == StageRequested {
		c.stage = StagePublicKeyReady
	}
	c.mu.Unlock()
}

func (r *Router) handleCiphertextOutputPublished(ctx context.Context, e *bus.Event) {
	var body struct{ E3ID uint64 }
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return
	}
	e3id := ids.E3ID(body.E3ID)
	c := r.get(e.ChainID, e3id)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stage = StageDecryptionOpen
	actor := c.keyshare
	c.mu.Unlock()
	if actor == nil {
		return
	}
	var ctBody struct {
		E3ID       uint64
		Ciphertext []byte
	}
	if err := json.Unmarshal(e.Body, &ctBody); err != nil {
		r.log.Error("e3: malformed CiphertextOutputPublished", "err", err)
		return
	}
	ct := &fhe.Ciphertext{}
	if err := ct.UnmarshalBinary(ctBody.Ciphertext); err != nil {
		r.log.Error("e3: unmarshal ciphertext failed", "err", err)
		return
	}
	if err := actor.OnCiphertextPublished(ctx, ct); err != nil {
		r.log.Error("e3: keyshare OnCiphertextPublished failed", "run_id", c.runID, "err", err)
	}
}

func (r *Router) handlePlaintextAggregated(ctx context.Context, e *bus.Event) {
	var body struct{ E3ID uint64 }
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return
	}
	key := ids.ChainE3{Chain: e.ChainID, E3: ids.E3ID(body.E3ID)}
	c := r.get(e.ChainID, ids.E3ID(body.E3ID))
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stage = StageComplete
	actor := c.keyshare
	c.mu.Unlock()
	if actor != nil {
		if err := actor.OnPlaintextAggregated(ctx); err != nil {
			r.log.Error("e3: keyshare wipe failed", "run_id", c.runID, "err", err)
		}
	}
	r.teardown(key, true)
}

func (r *Router) handleSortitionFailed(ctx context.Context, e *bus.Event) {
	var body struct {
		E3ID   uint64 `json:"e3_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return
	}
	key := ids.ChainE3{Chain: e.ChainID, E3: ids.E3ID(body.E3ID)}
	c := r.get(e.ChainID, ids.E3ID(body.E3ID))
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stage = StageFailed
	c.mu.Unlock()
	r.teardown(key, false)
}

// handleOnChainRejection fails an E3 whose aggregator-submitted transaction
// was rejected (spec.md §4.C): the chain writer fires this event at once on
// a revert, or after its retries of transient send errors run out, so the
// context tears down immediately rather than waiting out its wall-clock
// expiration.
func (r *Router) handleOnChainRejection(ctx context.Context, e *bus.Event) {
	var body struct {
		E3ID   uint64 `json:"e3_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return
	}
	key := ids.ChainE3{Chain: e.ChainID, E3: ids.E3ID(body.E3ID)}
	c := r.get(e.ChainID, ids.E3ID(body.E3ID))
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stage = StageFailed
	c.mu.Unlock()
	r.log.Error("e3: on-chain rejection", "chain", e.ChainID, "e3", body.E3ID, "reason", body.Reason)
	r.teardown(key, false)
}

func (r *Router) get(chainID ids.ChainID, e3id ids.E3ID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[ids.ChainE3{Chain: chainID, E3: e3id}]
}

// teardown removes a terminal context from the live map. complete controls
// whether the secret key has already been wiped by the caller.
func (r *Router) teardown(key ids.ChainE3, complete bool) {
	r.mu.Lock()
	c, ok := r.live[key]
	if ok {
		delete(r.live, key)
		delete(r.seeds, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// Stage returns the current lifecycle stage of a live E3 context, or false
// if it has already torn down.
func (r *Router) Stage(chainID ids.ChainID, e3id ids.E3ID) (Stage, bool) {
	c := r.get(chainID, e3id)
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage, true
}

// LiveCount returns the number of E3 contexts currently in flight.
func (r *Router) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Health always reports healthy, like the teacher's
// networking/router.Health: every live context already enforces its own
// wall-clock expiration (see expire above), so there is no stuck state for
// the router itself to detect beyond what Stage/LiveCount already expose
// to a caller.
func (r *Router) Health() error {
	return nil
}
