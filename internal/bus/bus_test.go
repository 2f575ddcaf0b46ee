package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
	"github.com/enclave-xyz/ciphernode/internal/store/memkv"
)

func newTestBus(t *testing.T) (*bus.Bus, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b, err := bus.New(ctx, memkv.New(), log.NewNoOpLogger())
	require.NoError(t, err)
	go b.Run(ctx)
	return b, ctx, cancel
}

// waitFor polls until cond is true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

// TestEventIDDeterminism is spec.md §8 property 1: structurally equal
// events produce the same id.
func TestEventIDDeterminism(t *testing.T) {
	e1 := bus.NewEvent(1, "CiphernodeAdded", []byte("operator-A"), bus.ScopeLocal)
	e2 := bus.NewEvent(1, "CiphernodeAdded", []byte("operator-A"), bus.ScopeLocal)
	require.Equal(t, e1.ID(), e2.ID())

	e3 := bus.NewEvent(1, "CiphernodeAdded", []byte("operator-B"), bus.ScopeLocal)
	require.NotEqual(t, e1.ID(), e3.ID())
}

// TestBusDedup is spec.md §8 property 2: N publishes of the same event
// deliver exactly once per subscriber.
func TestBusDedup(t *testing.T) {
	b, ctx, cancel := newTestBus(t)
	defer cancel()

	var mu sync.Mutex
	count := 0
	b.Subscribe(ctx, "CiphernodeAdded", func(ctx context.Context, e *bus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		e := bus.NewEvent(1, "CiphernodeAdded", []byte("operator-A"), bus.ScopeLocal)
		_, err := b.Publish(e)
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
}

// TestBusOrdering verifies subscribers observe events in first-acceptance
// order.
func TestBusOrdering(t *testing.T) {
	b, ctx, cancel := newTestBus(t)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	b.Subscribe(ctx, "K", func(ctx context.Context, e *bus.Event) {
		mu.Lock()
		seen = append(seen, string(e.Body))
		mu.Unlock()
	})

	for _, body := range []string{"a", "b", "c"} {
		_, err := b.Publish(bus.NewEvent(1, "K", []byte(body), bus.ScopeLocal))
		require.NoError(t, err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

// TestBusReplay is spec.md §8 property 6 (restart hydration): history is
// sufficient to rebuild a fresh subscriber's view.
func TestBusReplay(t *testing.T) {
	kv := memkv.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b1, err := bus.New(ctx, kv, log.NewNoOpLogger())
	require.NoError(t, err)
	go b1.Run(ctx)
	var b1mu sync.Mutex
	b1delivered := 0
	b1.Subscribe(ctx, "K", func(ctx context.Context, e *bus.Event) {
		b1mu.Lock()
		b1delivered++
		b1mu.Unlock()
	})
	_, err = b1.Publish(bus.NewEvent(1, "K", []byte("a"), bus.ScopeLocal))
	require.NoError(t, err)
	_, err = b1.Publish(bus.NewEvent(1, "K", []byte("b"), bus.ScopeLocal))
	require.NoError(t, err)
	waitFor(t, func() bool { // let b1 persist and deliver both events
		b1mu.Lock()
		defer b1mu.Unlock()
		return b1delivered == 2
	})

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	b2, err := bus.New(ctx2, kv, log.NewNoOpLogger())
	require.NoError(t, err)
	go b2.Run(ctx2)

	var mu sync.Mutex
	var seen []string
	b2.Subscribe(ctx2, "K", func(ctx context.Context, e *bus.Event) {
		mu.Lock()
		seen = append(seen, string(e.Body))
		mu.Unlock()
	})
	require.NoError(t, b2.Replay(ctx2, 0))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b"}, seen)
}

// TestBusFilteredSubscription verifies the filtered-view mechanism used by
// E3 contexts to scope their children to one e3 id.
func TestBusFilteredSubscription(t *testing.T) {
	b, ctx, cancel := newTestBus(t)
	defer cancel()

	var mu sync.Mutex
	var seen []ids.E3ID
	filter := func(e *bus.Event) bool {
		return string(e.Body) == "7"
	}
	b.SubscribeFiltered(ctx, "E3Requested", filter, func(ctx context.Context, e *bus.Event) {
		mu.Lock()
		seen = append(seen, 7)
		mu.Unlock()
	})

	_, err := b.Publish(bus.NewEvent(1, "E3Requested", []byte("7"), bus.ScopeLocal))
	require.NoError(t, err)
	_, err = b.Publish(bus.NewEvent(1, "E3Requested", []byte("9"), bus.ScopeLocal))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
}

// TestBusSubscribeAll verifies the wildcard subscription the p2p transport
// uses to gossip every network-scoped event without enumerating kinds.
func TestBusSubscribeAll(t *testing.T) {
	b, ctx, cancel := newTestBus(t)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	b.SubscribeAll(ctx, func(e *bus.Event) bool {
		return e.Scope == bus.ScopeNetwork
	}, func(ctx context.Context, e *bus.Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})

	_, err := b.Publish(bus.NewEvent(1, "TicketGenerated", []byte("a"), bus.ScopeNetwork))
	require.NoError(t, err)
	_, err = b.Publish(bus.NewEvent(1, "SomeLocalOnly", []byte("b"), bus.ScopeLocal))
	require.NoError(t, err)
	_, err = b.Publish(bus.NewEvent(1, "PublicKeyAggregated", []byte("c"), bus.ScopeNetwork))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{"TicketGenerated", "PublicKeyAggregated"}, seen)
}
