package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/aggregator"
	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/chain"
	"github.com/enclave-xyz/ciphernode/internal/config"
	"github.com/enclave-xyz/ciphernode/internal/e3"
	"github.com/enclave-xyz/ciphernode/internal/errs"
	"github.com/enclave-xyz/ciphernode/internal/fhe"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/keyshare"
	"github.com/enclave-xyz/ciphernode/internal/nodestate"
	"github.com/enclave-xyz/ciphernode/internal/p2p"
	"github.com/enclave-xyz/ciphernode/internal/secrets"
	"github.com/enclave-xyz/ciphernode/internal/selector"
	"github.com/enclave-xyz/ciphernode/internal/sortition"
	"github.com/enclave-xyz/ciphernode/internal/store"
	"github.com/enclave-xyz/ciphernode/internal/store/pebblekv"
	"github.com/enclave-xyz/ciphernode/internal/vault"
	"github.com/enclave-xyz/ciphernode/internal/worker"
)

// workerPoolSize bounds concurrent offloaded BFV/disk work per spec.md §5.
// A fixed size is simplest to reason about; tuning it per deployment is
// left to a future revision since no SPEC_FULL.md component names a target
// concurrency.
const workerPoolSize = 4

// runtime holds every long-lived component bootstrap assembles, so main's
// signal handler can shut them down in reverse dependency order.
type runtime struct {
	log       log.Logger
	cfg       *config.Config
	kv        store.KV
	b         *bus.Bus
	transport *p2p.Transport
	readers   []*chain.Reader
	writer    *chain.Writer
	nodes     *nodestate.Manager
	router    *e3.Router
	chainIDs  []ids.ChainID
}

// healthCheck logs the health of the node-state mirror and the E3 router,
// the supplemented health/readiness check of SPEC_FULL.md §6: logged, not
// served over HTTP, since no HTTP server is in scope per spec.md §1.
func (rt *runtime) healthCheck() {
	if err := rt.nodes.Health(rt.chainIDs); err != nil {
		rt.log.Error("healthz: nodestate unhealthy", "err", err)
		return
	}
	if err := rt.router.Health(); err != nil {
		rt.log.Error("healthz: e3 router unhealthy", "err", err)
		return
	}
	rt.log.Debug("healthz: ok", "live_e3_contexts", rt.router.LiveCount())
}

// bootstrap wires every component in dependency order: store, bus,
// node-state mirror, sortition, selector, per-chain FHE parameters, vault,
// keyshare repository, aggregators, the worker pool and E3 router, and, for
// the aggregator role, the chain writers. It then replays bus history into
// those subscribers, and finally starts the p2p transport and the per-chain
// chain readers.
func bootstrap(ctx context.Context, configPath, secretsPath string) (*runtime, error) {
	cfg, err := config.NewBuilder().FromFile(configPath).Build()
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, err)
	}
	sec, err := secrets.Load(secretsPath, cfg.Aggregator)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, err)
	}

	logger := log.NewLogger("enclave")

	kv, err := pebblekv.Open(cfg.DataDir)
	if err != nil {
		return nil, errs.WrapF(errs.Configuration, "open store at %s: %w", cfg.DataDir, err)
	}

	b, err := bus.New(ctx, kv, logger)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	go b.Run(ctx)

	self := common.HexToAddress(cfg.Address)

	nodes := nodestate.New(kv, logger)
	for _, c := range cfg.Chains {
		if err := nodes.Hydrate(ctx, ids.ChainID(c.ID)); err != nil {
			return nil, errs.Wrap(errs.Internal, fmt.Errorf("hydrate node state for chain %d: %w", c.ID, err))
		}
	}
	nodes.Subscribe(ctx, b)

	sortitionEngine := sortition.New(kv, nodes, b, logger)
	sortitionEngine.Subscribe(ctx, b)

	sel := selector.New(self, b, logger)
	sel.Subscribe(ctx, b)

	params := make(map[ids.ChainID]*fhe.Params, len(cfg.Chains))
	for _, c := range cfg.Chains {
		p, err := fhe.NewParams(fhe.Literal{LogN: c.FHELogN, T: c.FHEPlaintextModulus, LogQP: c.FHELogQP})
		if err != nil {
			return nil, errs.WrapF(errs.Configuration, "build fhe params for chain %d: %w", c.ID, err)
		}
		params[ids.ChainID(c.ID)] = p
	}

	v := vault.New(sec.Password)
	keys := keyshare.NewSecretKeyRepository(kv)

	pubAgg := aggregator.NewPubkeyAggregator(sortitionEngine, b, params, logger)
	pubAgg.Subscribe(ctx, b)
	plainAgg := aggregator.NewPlaintextAggregator(sortitionEngine, b, params, logger)
	plainAgg.Subscribe(ctx, b)

	pool := worker.New(workerPoolSize)
	router := e3.NewRouter(self, b, sortitionEngine, pool, v, keys, params, pubAgg, plainAgg, logger)
	router.Subscribe(ctx, b)

	var writer *chain.Writer
	if cfg.Aggregator {
		walletKey, err := crypto.HexToECDSA(strip0x(sec.PrivateKey))
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, fmt.Errorf("parse wallet private key: %w", err))
		}
		writer, err = newAggregatorWriter(ctx, cfg, b, walletKey, logger)
		if err != nil {
			return nil, err
		}
	}

	// Every component that reconstructs its in-memory state purely from bus
	// events (nodestate, sortition, the selector, both aggregators, the E3
	// router and, when running the aggregator role, the chain writer) has
	// now registered its handler, so replaying history actually reaches
	// them instead of being delivered into an empty subscriber list
	// (spec.md §4.B / §8 property 6 "Restart hydration").
	if err := b.Replay(ctx, 0); err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("replay bus history: %w", err))
	}

	netKey, err := parseNetworkKey(sec.NetworkPrivateKey)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, err)
	}
	transport, err := p2p.New(ctx, cfg.ListenAddr, cfg.Peers, netKey, b, logger)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}

	chainIDs := make([]ids.ChainID, 0, len(cfg.Chains))
	for _, c := range cfg.Chains {
		chainIDs = append(chainIDs, ids.ChainID(c.ID))
	}

	rt := &runtime{
		log: logger, cfg: cfg, kv: kv, b: b, transport: transport,
		nodes: nodes, router: router, chainIDs: chainIDs, writer: writer,
	}

	for _, c := range cfg.Chains {
		chainID := ids.ChainID(c.ID)
		if err := transport.Join(ctx, chainID); err != nil {
			return nil, errs.Wrap(errs.Internal, err)
		}

		readerCfg := toChainConfig(c)
		reader, err := chain.NewReader(ctx, readerCfg, b, kv, logger)
		if err != nil {
			return nil, errs.WrapF(errs.Internal, "start chain reader for chain %d: %w", c.ID, err)
		}
		go func() {
			if err := reader.Run(ctx); err != nil {
				logger.Error("chain reader stopped", "err", err)
			}
		}()
		rt.readers = append(rt.readers, reader)
	}

	return rt, nil
}

// newAggregatorWriter constructs one chain.Writer per configured chain,
// subscribes each to the bus and runs each on its own serialized submission
// loop, so every chain has its own queue and its nonces never collide. It
// returns the last Writer it constructed.
func newAggregatorWriter(ctx context.Context, cfg *config.Config, b *bus.Bus, walletKey *ecdsa.PrivateKey, logger log.Logger) (*chain.Writer, error) {
	var last *chain.Writer
	for _, c := range cfg.Chains {
		w, err := chain.NewWriter(ctx, toChainConfig(c), b, walletKey, logger)
		if err != nil {
			return nil, errs.WrapF(errs.Internal, "start chain writer for chain %d: %w", c.ID, err)
		}
		w.Subscribe(ctx, b)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("chain writer stopped", "err", err)
			}
		}()
		last = w
	}
	return last, nil
}

func toChainConfig(c config.ChainConfig) chain.Config {
	return chain.Config{
		ID:                 ids.ChainID(c.ID),
		RPCURL:             c.RPCURL,
		ConfirmationDepth:  c.ConfirmationDepth,
		CiphernodeRegistry: common.HexToAddress(c.CiphernodeRegistry),
		NodeRegistry:       common.HexToAddress(c.NodeRegistry),
		E3Coordinator:      common.HexToAddress(c.E3Coordinator),
		SortitionContract:  common.HexToAddress(c.SortitionContract),
	}
}

// parseNetworkKey turns the secrets file's hex-encoded network_private_key
// into an ed25519 seed. A 32-byte hex string is the seed; a 64-byte hex
// string is the full private key (seed || public key), matching what
// ed25519.GenerateKey and the `net set-key` subcommand both produce.
func parseNetworkKey(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strip0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("network_private_key is not valid hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("network_private_key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func strip0x(s string) string {
	return strings.TrimPrefix(s, "0x")
}

func (rt *runtime) close() {
	if rt.transport != nil {
		if err := rt.transport.Close(); err != nil {
			rt.log.Error("close p2p transport failed", "err", err)
		}
	}
	if err := rt.kv.Close(); err != nil {
		rt.log.Error("close store failed", "err", err)
	}
}
