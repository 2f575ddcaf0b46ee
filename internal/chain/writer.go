package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// Calldata for the three aggregator-role writes (spec.md §4.C): ticket
// submission, public-key publication and plaintext publication. None of
// these contracts are in the retrieved pack, so the argument lists below
// are hand-picked to match the event bodies the rest of this runtime
// already produces.
var (
	argsSubmitTicket     = mustArgs("uint256", "address", "uint64", "uint256")
	argsPublishPublicKey = mustArgs("uint256", "bytes")
	argsPublishPlaintext = mustArgs("uint256", "bytes")

	selSubmitTicket     = methodID("submitTicket(uint256,address,uint64,uint256)")
	selPublishPublicKey = methodID("publishPublicKey(uint256,bytes)")
	selPublishPlaintext = methodID("publishPlaintext(uint256,bytes)")
)

func methodID(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func packCall(selector []byte, args abi.Arguments, vals ...interface{}) ([]byte, error) {
	packed, err := args.Pack(vals...)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, selector...), packed...), nil
}

// errReverted marks a mined-but-failed transaction, distinguishing it from
// a transient RPC error: the writer does not retry a revert, it fails the
// E3 outright (spec.md §4.C "transaction revert -> OnChainRejection").
var errReverted = errors.New("chain: transaction reverted")

const maxSendAttempts = 5

type writeJob struct {
	chainID ids.ChainID
	e3id    ids.E3ID
	kind    string
	to      common.Address
	data    []byte
}

// Writer is the aggregator-only half of the chain adapter. It serializes
// every outbound transaction for one chain through a single goroutine so
// nonces never collide (spec.md §5 "the chain writer serializes outbound
// transactions per chain").
type Writer struct {
	log     log.Logger
	cfg     Config
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	b       *bus.Bus
	queue   chan writeJob
}

// NewWriter dials cfg.RPCURL and derives the sending address from key. Only
// the node running the aggregator role constructs a Writer.
func NewWriter(ctx context.Context, cfg Config, b *bus.Bus, key *ecdsa.PrivateKey, logger log.Logger) (*Writer, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	netID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: query chain id: %w", err)
	}
	return &Writer{
		log:     logger,
		cfg:     cfg,
		client:  client,
		chainID: netID,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		b:       b,
		queue:   make(chan writeJob, 64),
	}, nil
}

// Subscribe wires the aggregator-produced events that become transactions.
func (w *Writer) Subscribe(ctx context.Context, b *bus.Bus) {
	b.Subscribe(ctx, "TicketGenerated", w.handleTicketGenerated)
	b.Subscribe(ctx, "PublicKeyAggregated", w.handlePublicKeyAggregated)
	b.Subscribe(ctx, "PlaintextAggregated", w.handlePlaintextAggregated)
}

type ticketGeneratedBody struct {
	E3ID      uint64
	Operator  string
	TicketIdx uint64
	Score     string
}

func (w *Writer) handleTicketGenerated(ctx context.Context, e *bus.Event) {
	var body ticketGeneratedBody
	if err := json.Unmarshal(e.Body, &body); err != nil {
		w.log.Error("chain/writer: malformed TicketGenerated", "err", err)
		return
	}
	score, ok := new(big.Int).SetString(body.Score[2:], 16)
	if !ok {
		w.log.Error("chain/writer: malformed ticket score", "score", body.Score)
		return
	}
	data, err := packCall(selSubmitTicket, argsSubmitTicket, new(big.Int).SetUint64(body.E3ID), common.HexToAddress(body.Operator), body.TicketIdx, score)
	if err != nil {
		w.log.Error("chain/writer: pack submitTicket failed", "err", err)
		return
	}
	w.enqueue(ctx, e.ChainID, ids.E3ID(body.E3ID), "TicketGenerated", w.cfg.SortitionContract, data)
}

func (w *Writer) handlePublicKeyAggregated(ctx context.Context, e *bus.Event) {
	var body struct {
		E3ID      uint64
		PublicKey []byte
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		w.log.Error("chain/writer: malformed PublicKeyAggregated", "err", err)
		return
	}
	data, err := packCall(selPublishPublicKey, argsPublishPublicKey, new(big.Int).SetUint64(body.E3ID), body.PublicKey)
	if err != nil {
		w.log.Error("chain/writer: pack publishPublicKey failed", "err", err)
		return
	}
	w.enqueue(ctx, e.ChainID, ids.E3ID(body.E3ID), "PublicKeyAggregated", w.cfg.E3Coordinator, data)
}

func (w *Writer) handlePlaintextAggregated(ctx context.Context, e *bus.Event) {
	var body struct {
		E3ID      uint64
		Plaintext []uint64
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		w.log.Error("chain/writer: malformed PlaintextAggregated", "err", err)
		return
	}
	raw, err := json.Marshal(body.Plaintext)
	if err != nil {
		w.log.Error("chain/writer: marshal plaintext failed", "err", err)
		return
	}
	data, err := packCall(selPublishPlaintext, argsPublishPlaintext, new(big.Int).SetUint64(body.E3ID), raw)
	if err != nil {
		w.log.Error("chain/writer: pack publishPlaintext failed", "err", err)
		return
	}
	w.enqueue(ctx, e.ChainID, ids.E3ID(body.E3ID), "PlaintextAggregated", w.cfg.E3Coordinator, data)
}

func (w *Writer) enqueue(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID, kind string, to common.Address, data []byte) {
	if chainID != w.cfg.ID {
		return
	}
	job := writeJob{chainID: chainID, e3id: e3id, kind: kind, to: to, data: data}
	select {
	case w.queue <- job:
	case <-ctx.Done():
	}
}

// Run drains the write queue one job at a time until ctx is cancelled,
// guaranteeing every transaction for this chain is submitted in order
// with a single, monotonically-advancing nonce.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.queue:
			w.send(ctx, job)
		}
	}
}

func (w *Writer) send(ctx context.Context, job writeJob) {
	bo := newBackoff()
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err := w.submit(ctx, job)
		if err == nil {
			return
		}
		if errors.Is(err, errReverted) {
			w.log.Error("chain/writer: transaction reverted", "kind", job.kind, "e3", job.e3id, "err", err)
			w.emitRejection(ctx, job.chainID, job.e3id, err.Error())
			return
		}
		w.log.Error("chain/writer: submit failed, retrying", "kind", job.kind, "e3", job.e3id, "attempt", attempt, "err", err)
		if werr := bo.wait(ctx); werr != nil {
			return
		}
	}
	w.emitRejection(ctx, job.chainID, job.e3id, fmt.Sprintf("exhausted %d send attempts", maxSendAttempts))
}

func (w *Writer) submit(ctx context.Context, job writeJob) error {
	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	tip, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("suggest tip: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)

	to := job.to
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       500_000,
		To:        &to,
		Data:      job.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	receipt, err := w.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("%w: %s", errReverted, signed.Hash())
	}
	return nil
}

func (w *Writer) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for i := 0; i < 60; i++ {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, fmt.Errorf("timed out waiting for receipt %s", hash)
}

// emitRejection fails the corresponding E3 with reason OnChainRejection
// (spec.md §4.C), mirroring the sortition engine's own local-failure event
// shape so the e3 router's two failure handlers stay symmetric.
func (w *Writer) emitRejection(ctx context.Context, chainID ids.ChainID, e3id ids.E3ID, reason string) {
	payload, _ := json.Marshal(map[string]any{"e3_id": uint64(e3id), "reason": reason})
	if _, err := w.b.Publish(bus.NewEvent(chainID, "OnChainRejection", payload, bus.ScopeLocal)); err != nil {
		w.log.Error("chain/writer: publish failure event failed", "err", err)
	}
}
