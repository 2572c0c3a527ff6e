package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool(3, 16)
	var n atomic.Int32
	for i := 0; i < 16; i++ {
		require.NoError(t, p.Submit("job", func(ctx context.Context) { n.Add(1) }))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.EqualValues(t, 16, n.Load())
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, p.Submit("running", func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started
	require.NoError(t, p.Submit("queued", func(ctx context.Context) {}))
	assert.Equal(t, 1, p.Queued())
	assert.ErrorIs(t, p.Submit("overflow", func(ctx context.Context) {}), ErrQueueFull)

	close(block)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, p.Submit("late", func(ctx context.Context) {}), ErrPoolClosed)
}

func TestPoolShutdownTimeoutCancelsJobs(t *testing.T) {
	p := NewPool(1, 0)
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.Eventually(t, func() bool {
		return p.Submit("slow", func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
		}) == nil
	}, time.Second, time.Millisecond)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.True(t, cancelled.Load())
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(1, 4)
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit("boom", func(ctx context.Context) { panic("boom") }))
	require.NoError(t, p.Submit("after", func(ctx context.Context) { wg.Done() }))
	wg.Wait()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	p := NewPool(2, 2)
	require.NoError(t, p.Shutdown(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}
