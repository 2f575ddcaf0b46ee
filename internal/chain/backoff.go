package chain

import (
	"context"
	"time"
)

// backoff is a capped exponential backoff, used by the Writer to retry
// transient RPC failures without hammering the node (spec.md §4.C).
type backoff struct {
	initial time.Duration
	max     time.Duration
	cur     time.Duration
}

func newBackoff() *backoff {
	return &backoff{initial: 250 * time.Millisecond, max: 30 * time.Second}
}

// wait blocks for the current backoff interval (doubling it for next time,
// capped at max) or until ctx is cancelled.
func (b *backoff) wait(ctx context.Context) error {
	if b.cur == 0 {
		b.cur = b.initial
	}
	select {
	case <-time.After(b.cur):
	case <-ctx.Done():
		return ctx.Err()
	}
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return nil
}

func (b *backoff) reset() {
	b.cur = 0
}
