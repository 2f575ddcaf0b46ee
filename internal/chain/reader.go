// Package chain implements the two-sided chain adapter of spec.md §4.C:
// a Reader that turns contract logs into bus events (with historical
// back-fill and confirmation-depth gating), and a Writer that submits
// aggregator-role transactions with retry-with-backoff semantics.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/store"
)

// Config is one chain's reader/writer wiring (spec.md §6 config.chains[]).
type Config struct {
	ID                 ids.ChainID
	RPCURL             string
	ConfirmationDepth  uint64
	CiphernodeRegistry common.Address
	NodeRegistry       common.Address
	E3Coordinator      common.Address
	SortitionContract  common.Address
}

// pollInterval is how often the reader checks for new confirmed blocks.
// The teacher's networking layer polls on a similar fixed cadence rather
// than trusting a live subscription alone, since RPC providers frequently
// drop websocket subscriptions silently.
const pollInterval = 4 * time.Second

// Reader watches one chain's contract logs and republishes them as bus
// events, back-filling from the last processed block on startup.
type Reader struct {
	log     log.Logger
	cfg     Config
	client  *ethclient.Client
	b       *bus.Bus
	lastBlk *store.Persistable[uint64]
}

// NewReader dials cfg.RPCURL and loads the persisted last-processed-block
// cursor for this chain.
func NewReader(ctx context.Context, cfg Config, b *bus.Bus, kv store.KV, logger log.Logger) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	cursor := store.NewRepository[uint64](kv, "/chain/")
	lastBlk, err := cursor.Load(ctx, fmt.Sprintf("%d/last_block", uint64(cfg.ID)))
	if err != nil {
		return nil, fmt.Errorf("chain: load cursor for chain %d: %w", uint64(cfg.ID), err)
	}
	return &Reader{log: logger, cfg: cfg, client: client, b: b, lastBlk: lastBlk}, nil
}

func (r *Reader) addresses() []common.Address {
	return []common.Address{r.cfg.CiphernodeRegistry, r.cfg.NodeRegistry, r.cfg.E3Coordinator, r.cfg.SortitionContract}
}

// Run back-fills from the persisted cursor (or genesis, if none) and then
// polls for newly confirmed blocks until ctx is cancelled. Bus dedup makes
// a re-delivered log idempotent, so a crash between back-fill and cursor
// advance never double-processes an event (spec.md §4.C).
func (r *Reader) Run(ctx context.Context) error {
	from, ok := r.lastBlk.Get()
	if !ok {
		from = 0
	}
	if err := r.catchUp(ctx, from); err != nil {
		return fmt.Errorf("chain: back-fill chain %d: %w", uint64(r.cfg.ID), err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, _ := r.lastBlk.Get()
			if err := r.catchUp(ctx, cur); err != nil {
				r.log.Error("chain: poll failed", "chain", r.cfg.ID, "err", err)
			}
		}
	}
}

// catchUp filters logs from `from` through the latest confirmed block
// (head minus ConfirmationDepth) and republishes each as a bus event, then
// advances the persisted cursor past the confirmed block once for the whole
// batch. A log that fails to translate is logged and skipped.
func (r *Reader) catchUp(ctx context.Context, from uint64) error {
	head, err := r.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain: query head: %w", err)
	}
	if head < r.cfg.ConfirmationDepth {
		return nil
	}
	confirmed := head - r.cfg.ConfirmationDepth
	if confirmed < from {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(confirmed),
		Addresses: r.addresses(),
		Topics:    [][]common.Hash{watchedTopics()},
	}
	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("chain: filter logs: %w", err)
	}
	for _, l := range logs {
		if err := r.translate(ctx, l); err != nil {
			r.log.Error("chain: translate log failed", "chain", r.cfg.ID, "err", err)
		}
	}
	if err := r.lastBlk.Set(ctx, confirmed+1); err != nil {
		return fmt.Errorf("chain: advance cursor: %w", err)
	}
	return nil
}

func (r *Reader) translate(ctx context.Context, l types.Log) error {
	if len(l.Topics) == 0 {
		return nil
	}
	kind, ok := topicKinds[l.Topics[0]]
	if !ok {
		return nil
	}
	body, err := decodeLog(kind, l)
	if err != nil {
		return fmt.Errorf("chain: decode %s: %w", kind, err)
	}
	if _, err := r.b.Publish(bus.NewEvent(r.cfg.ID, kind, body, bus.ScopeLocal)); err != nil {
		return fmt.Errorf("chain: publish %s: %w", kind, err)
	}
	return nil
}
