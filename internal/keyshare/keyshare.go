// Package keyshare implements the per-E3 keyshare actor of spec.md §4.I:
// BFV public-key share generation on selection, and decryption-share
// generation once the ciphertext output is published.
package keyshare

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
	"github.com/enclave-xyz/ciphernode/internal/sortition"
	"github.com/enclave-xyz/ciphernode/internal/store"
	"github.com/enclave-xyz/ciphernode/internal/vault"
	"github.com/enclave-xyz/ciphernode/internal/worker"
)

// gobSecretKey is the vault-sealed form persisted at
// /keyshares/<chain_id>/<e3_id>.
type gobSecretKey struct {
	Envelope []byte
}

// SecretKeyRepository is the store handle the bootstrap wiring passes to
// every keyshare actor it constructs.
type SecretKeyRepository = store.Repository[gobSecretKey]

// NewSecretKeyRepository opens the sealed-secret-key namespace over kv.
func NewSecretKeyRepository(kv store.KV) *SecretKeyRepository {
	return store.NewRepository[gobSecretKey](kv, "/keyshares/")
}

// Actor is one E3's keyshare actor. It exists only on nodes selected into
// the committee (spec.md §4.H).
type Actor struct {
	log     log.Logger
	self    common.Address
	params  *fhe.Params
	chainID ids.ChainID
	e3id    ids.E3ID
	seed    []byte

	b     *bus.Bus
	pool  *worker.Pool
	vault *vault.Vault
	keys  *store.Repository[gobSecretKey]

	partyID ids.PartyID

	mu sync.Mutex // guards sk: OnSelected and OnCiphertextPublished run on separate pool goroutines
	sk *fhe.SecretKey
}

// New constructs a keyshare actor for (chainID, e3id). seed is the E3
// request's randomness seed; committee is the finalized committee used to
// derive this node's party id.
func New(
	self common.Address,
	chainID ids.ChainID,
	e3id ids.E3ID,
	seed []byte,
	committee []common.Address,
	params *fhe.Params,
	b *bus.Bus,
	pool *worker.Pool,
	v *vault.Vault,
	keys *SecretKeyRepository,
	logger log.Logger,
) (*Actor, error) {
	partyID, err := sortition.PartyID(committee, self)
	if err != nil {
		return nil, fmt.Errorf("keyshare: %w", err)
	}
	return &Actor{
		log: logger, self: self, params: params, chainID: chainID, e3id: e3id, seed: seed,
		b: b, pool: pool, vault: v, keys: keys, partyID: partyID,
	}, nil
}

type keyshareCreatedBody struct {
	E3ID        uint64
	Operator    string
	PubKeyShare []byte
}

// OnSelected runs the key-share generation flow of spec.md §4.I steps 1–4.
// It should be invoked once, when this node's CiphernodeSelected event for
// this e3id is observed. The BFV keygen and vault/persistence work runs on
// the worker pool (spec.md §5) so the bus mailbox goroutine that delivered
// CiphernodeSelected is never blocked on it; OnSelected itself only submits
// the task and returns.
func (a *Actor) OnSelected(ctx context.Context) error {
	f := a.pool.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, a.runOnSelected(ctx)
	})
	go a.awaitSubmitted(f, "OnSelected")
	return nil
}

func (a *Actor) runOnSelected(ctx context.Context) error {
	sk := a.params.GenerateSecretKey()
	a.mu.Lock()
	a.sk = sk
	a.mu.Unlock()

	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return fmt.Errorf("keyshare: marshal secret key: %w", err)
	}
	sealed, err := a.vault.Seal(skBytes)
	if err != nil {
		return fmt.Errorf("keyshare: seal secret key: %w", err)
	}
	p, err := a.keys.Load(ctx, ids.ChainE3{Chain: a.chainID, E3: a.e3id}.String())
	if err != nil {
		return fmt.Errorf("keyshare: load secret key slot: %w", err)
	}
	if err := p.Set(ctx, gobSecretKey{Envelope: sealed}); err != nil {
		return fmt.Errorf("keyshare: persist secret key: %w", err)
	}

	crs, err := a.params.CommonRandomPoly(a.e3id, a.seed)
	if err != nil {
		return fmt.Errorf("keyshare: derive common random poly: %w", err)
	}
	share := a.params.PublicKeyShare(sk, crs)
	shareBytes, err := share.MarshalBinary()
	if err != nil {
		return fmt.Errorf("keyshare: marshal pubkey share: %w", err)
	}

	payload, err := json.Marshal(keyshareCreatedBody{E3ID: uint64(a.e3id), Operator: a.self.Hex(), PubKeyShare: shareBytes})
	if err != nil {
		return fmt.Errorf("keyshare: marshal KeyshareCreated: %w", err)
	}
	if _, err := a.b.Publish(bus.NewEvent(a.chainID, "KeyshareCreated", payload, bus.ScopeNetwork)); err != nil {
		return fmt.Errorf("keyshare: publish KeyshareCreated: %w", err)
	}
	return nil
}

// awaitSubmitted waits for a pool task's result off the caller's goroutine
// and logs failure; the caller has already returned to its own mailbox by
// the time this runs.
func (a *Actor) awaitSubmitted(f *worker.Future, step string) {
	if _, err := f.Wait(context.Background()); err != nil {
		a.log.Error("keyshare: worker task failed", "step", step, "run_id", f.ID, "err", err)
	}
}

type decryptionShareCreatedBody struct {
	E3ID     uint64
	Operator string
	PartyID  uint32
	Share    []byte
}

// OnCiphertextPublished runs spec.md §4.I's decryption flow: load the
// persisted secret key, produce a decryption share, publish it. Like
// OnSelected, the work runs on the worker pool and OnCiphertextPublished
// only submits the task.
func (a *Actor) OnCiphertextPublished(ctx context.Context, ct *fhe.Ciphertext) error {
	f := a.pool.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, a.runOnCiphertextPublished(ctx, ct)
	})
	go a.awaitSubmitted(f, "OnCiphertextPublished")
	return nil
}

func (a *Actor) runOnCiphertextPublished(ctx context.Context, ct *fhe.Ciphertext) error {
	sk, err := a.loadSecretKey(ctx)
	if err != nil {
		return err
	}
	share := a.params.DecryptionShare(sk, ct)
	shareBytes, err := share.MarshalBinary()
	if err != nil {
		return fmt.Errorf("keyshare: marshal decryption share: %w", err)
	}
	payload, err := json.Marshal(decryptionShareCreatedBody{
		E3ID: uint64(a.e3id), Operator: a.self.Hex(), PartyID: uint32(a.partyID), Share: shareBytes,
	})
	if err != nil {
		return fmt.Errorf("keyshare: marshal DecryptionshareCreated: %w", err)
	}
	if _, err := a.b.Publish(bus.NewEvent(a.chainID, "DecryptionshareCreated", payload, bus.ScopeNetwork)); err != nil {
		return fmt.Errorf("keyshare: publish DecryptionshareCreated: %w", err)
	}
	return nil
}

func (a *Actor) loadSecretKey(ctx context.Context) (*fhe.SecretKey, error) {
	a.mu.Lock()
	if a.sk != nil {
		sk := a.sk
		a.mu.Unlock()
		return sk, nil
	}
	a.mu.Unlock()

	p, err := a.keys.Load(ctx, ids.ChainE3{Chain: a.chainID, E3: a.e3id}.String())
	if err != nil {
		return nil, fmt.Errorf("keyshare: load secret key slot: %w", err)
	}
	sealed, ok := p.Get()
	if !ok {
		return nil, fmt.Errorf("keyshare: no secret key persisted for %s/%s", a.chainID, a.e3id)
	}
	raw, err := a.vault.Open(sealed.Envelope)
	if err != nil {
		return nil, fmt.Errorf("keyshare: open secret key: %w", err)
	}
	sk := &fhe.SecretKey{}
	if err := sk.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("keyshare: unmarshal secret key: %w", err)
	}
	vault.Zeroize(raw)
	a.mu.Lock()
	a.sk = sk
	a.mu.Unlock()
	return sk, nil
}

// OnPlaintextAggregated zeroizes and deletes the persisted secret key
// (spec.md §4.I step 4 / §8 property 7: on Complete, the secret key is
// absent from storage).
func (a *Actor) OnPlaintextAggregated(ctx context.Context) error {
	p, err := a.keys.Load(ctx, ids.ChainE3{Chain: a.chainID, E3: a.e3id}.String())
	if err != nil {
		return fmt.Errorf("keyshare: load secret key slot for wipe: %w", err)
	}
	if sealed, ok := p.Get(); ok {
		vault.Zeroize(sealed.Envelope)
	}
	if err := p.Delete(ctx); err != nil {
		return fmt.Errorf("keyshare: delete secret key: %w", err)
	}
	a.mu.Lock()
	a.sk = nil
	a.mu.Unlock()
	return nil
}

// PartyID returns this node's committee slot.
func (a *Actor) PartyID() ids.PartyID { return a.partyID }
