package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool(t *testing.T) {
	p := NewPool(0, nil)

	assert.Equal(t, DefaultSize, p.Size())
	assert.Equal(t, 0, p.Active())
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, nil)
	ctx := context.Background()

	var running, peak atomic.Int64
	release := make(chan struct{})

	var started sync.WaitGroup
	for range 2 {
		require.NoError(t, p.Acquire(ctx))
		started.Add(1)
		p.Go(func() {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			started.Done()
			<-release
			running.Add(-1)
		})
	}
	started.Wait()

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Acquire(blocked), context.DeadlineExceeded)
	assert.Equal(t, 2, p.Active())

	close(release)
	p.Wait()

	assert.Equal(t, int64(2), peak.Load())
	assert.Equal(t, int64(2), p.Completed())
	assert.NoError(t, p.Acquire(ctx))
	p.Release()
}

func TestPool_PanicReleasesSlot(t *testing.T) {
	p := NewPool(1, nil)
	ctx := context.Background()

	require.NoError(t, p.Acquire(ctx))
	p.Go(func() { panic("boom") })
	p.Wait()

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Acquire(acquireCtx))
	p.Release()
	assert.Equal(t, 0, p.Active())
}

func TestPool_Close(t *testing.T) {
	p := NewPool(1, nil)
	p.Close()

	assert.ErrorIs(t, p.Acquire(context.Background()), ErrPoolClosed)
}

func TestRun(t *testing.T) {
	assert.NoError(t, Run(func() error { return nil }))

	sentinel := errors.New("failed")
	assert.ErrorIs(t, Run(func() error { return sentinel }), sentinel)

	err := Run(func() error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
