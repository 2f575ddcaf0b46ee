package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/worker"
)

func TestSubmitReturnsTaskResult(t *testing.T) {
	p := worker.New(2)
	f := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestSubmitPropagatesTaskError(t *testing.T) {
	p := worker.New(1)
	wantErr := context.DeadlineExceeded
	f := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := worker.New(2)
	var inFlight int32
	var maxSeen int32
	start := make(chan struct{})

	futures := make([]*worker.Future, 5)
	for i := range futures {
		futures[i] = p.Submit(context.Background(), func(ctx context.Context) (any, error) {
			<-start
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		})
	}
	close(start)
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestWaitReturnsErrorWhenContextCancelledFirst(t *testing.T) {
	p := worker.New(1)
	release := make(chan struct{})
	// occupy the pool's only slot so the next task waits on the semaphore
	blocker := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := p.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	_, err := f.Wait(context.Background())
	require.Error(t, err)

	close(release)
	_, err = blocker.Wait(context.Background())
	require.NoError(t, err)
}
