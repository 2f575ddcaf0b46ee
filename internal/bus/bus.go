// Package bus implements the content-addressed pub/sub event bus of
// spec.md §4.B: publish assigns a deterministic id, duplicates are
// dropped, subscribers see events in first-acceptance order, and history
// is durable enough to replay a component's state from cold start.
package bus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/store"
)

// Handler is invoked once per distinct event id accepted for a kind.
type Handler func(ctx context.Context, e *Event)

type subscription struct {
	kind   string
	filter func(*Event) bool
	handle Handler
}

// command is the bus actor's single mailbox message type; every public
// method sends a command and, where a result is needed, waits on a
// per-call response channel.
type command struct {
	publish   *Event
	subscribe *subscription
	replay    *replayRequest
	done      chan struct{}
}

type replayRequest struct {
	fromSeq uint64
	err     error
}

// Bus is the single-mailbox actor. Every mutation of its subscriber list,
// dedup set and sequence counter happens on the one goroutine started by
// Run, so no lock is needed for that state; Persistable's own writes are
// independently safe to call concurrently with the actor loop since they
// only touch the store.
type Bus struct {
	log     log.Logger
	history *store.Repository[storedEvent]
	seqP    *store.Persistable[uint64]

	mailbox chan command

	delivered map[ids.EventID]struct{}
	subs      map[string][]*subscription
}

// New constructs a Bus bound to kv for its durable history tail. Call Run
// in its own goroutine before publishing or subscribing.
func New(ctx context.Context, kv store.KV, logger log.Logger) (*Bus, error) {
	history := store.NewRepository[storedEvent](kv, "/bus/history/")
	seqRepo := store.NewRepository[uint64](kv, "/bus/")
	seqP, err := seqRepo.Load(ctx, "seq")
	if err != nil {
		return nil, fmt.Errorf("bus: load sequence counter: %w", err)
	}
	return &Bus{
		log:       logger,
		history:   history,
		seqP:      seqP,
		mailbox:   make(chan command, 4096),
		delivered: make(map[ids.EventID]struct{}),
		subs:      make(map[string][]*subscription),
	}, nil
}

// Run drives the bus's mailbox until ctx is cancelled. It must run in its
// own goroutine; every Publish/Subscribe/Replay call blocks the caller only
// until its command is enqueued (Publish) or fully processed
// (Subscribe/Replay), never on other subscribers' handler work beyond the
// ordering guarantee.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.mailbox:
			b.handle(ctx, cmd)
		}
	}
}

func (b *Bus) handle(ctx context.Context, cmd command) {
	switch {
	case cmd.publish != nil:
		b.deliverIfNew(ctx, cmd.publish)
	case cmd.subscribe != nil:
		b.subs[cmd.subscribe.kind] = append(b.subs[cmd.subscribe.kind], cmd.subscribe)
	case cmd.replay != nil:
		cmd.replay.err = b.doReplay(ctx, cmd.replay.fromSeq)
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}

func (b *Bus) deliverIfNew(ctx context.Context, e *Event) {
	id := e.ID()
	if _, seen := b.delivered[id]; seen {
		return
	}
	b.delivered[id] = struct{}{}

	seq, _ := b.seqP.Get()
	p, err := b.history.Load(ctx, strconv.FormatUint(seq, 10))
	if err != nil {
		b.log.Error("bus: load history slot failed", "err", err)
		return
	}
	if err := p.Set(ctx, toStored(e)); err != nil {
		b.log.Error("bus: persist event failed", "err", err, "kind", e.Kind)
		return
	}
	if err := b.seqP.Set(ctx, seq+1); err != nil {
		b.log.Error("bus: advance sequence failed", "err", err)
		return
	}
	b.deliver(ctx, e)
}

// wildcardKind is the subscription key used by SubscribeAll: every event,
// regardless of Kind, is delivered to subscribers registered under it.
const wildcardKind = "*"

func (b *Bus) deliver(ctx context.Context, e *Event) {
	for _, sub := range b.subs[e.Kind] {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		sub.handle(ctx, e)
	}
	if e.Kind != wildcardKind {
		for _, sub := range b.subs[wildcardKind] {
			if sub.filter != nil && !sub.filter(e) {
				continue
			}
			sub.handle(ctx, e)
		}
	}
}

func (b *Bus) doReplay(ctx context.Context, fromSeq uint64) error {
	all, err := b.history.Scan(ctx)
	if err != nil {
		return fmt.Errorf("bus: replay scan: %w", err)
	}
	maxSeq, _ := b.seqP.Get()
	for seq := fromSeq; seq < maxSeq; seq++ {
		stored, ok := all[strconv.FormatUint(seq, 10)]
		if !ok {
			continue
		}
		e := fromStored(stored)
		if _, seen := b.delivered[e.ID()]; !seen {
			b.delivered[e.ID()] = struct{}{}
		}
		b.deliver(ctx, e)
	}
	return nil
}

// Publish is non-blocking: the event id is computed deterministically from
// content before this call returns, and the durability/delivery work
// happens asynchronously on the bus's own goroutine. A full mailbox (the
// transport's bounded send queue analog, spec.md §5) returns a transient
// back-pressure error instead of blocking the caller.
func (b *Bus) Publish(e *Event) (ids.EventID, error) {
	id := e.ID()
	select {
	case b.mailbox <- command{publish: e}:
		return id, nil
	default:
		return id, fmt.Errorf("bus: publish back-pressure: mailbox full")
	}
}

// Subscribe registers handle to be invoked once per distinct event id of
// the given kind. It blocks until the subscription is installed, so that a
// caller which immediately triggers a Replay is guaranteed to see events
// published during hydration.
func (b *Bus) Subscribe(ctx context.Context, kind string, handle Handler) {
	b.subscribe(ctx, kind, nil, handle)
}

// SubscribeFiltered is Subscribe restricted to events for which filter
// returns true. The E3 router and the aggregators do not use it: they
// subscribe with Subscribe and pick the E3 out of each event body.
func (b *Bus) SubscribeFiltered(ctx context.Context, kind string, filter func(*Event) bool, handle Handler) {
	b.subscribe(ctx, kind, filter, handle)
}

// SubscribeAll registers handle to be invoked once per distinct event id of
// any kind, filtered by filter. The p2p transport uses this to gossip every
// network-scoped event without needing to enumerate event kinds (spec.md
// §4.D).
func (b *Bus) SubscribeAll(ctx context.Context, filter func(*Event) bool, handle Handler) {
	b.subscribe(ctx, wildcardKind, filter, handle)
}

func (b *Bus) subscribe(ctx context.Context, kind string, filter func(*Event) bool, handle Handler) {
	done := make(chan struct{})
	cmd := command{subscribe: &subscription{kind: kind, filter: filter, handle: handle}, done: done}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return
	}
	<-done
}

// Replay re-delivers every persisted event from fromSeq (inclusive) onward,
// in original order, to every current subscriber. Used during hydration
// (spec.md §4.B / §8 property 6) before live watchers are attached.
func (b *Bus) Replay(ctx context.Context, fromSeq uint64) error {
	done := make(chan struct{})
	req := &replayRequest{fromSeq: fromSeq}
	cmd := command{replay: req, done: done}
	select {
	case b.mailbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return req.err
}
