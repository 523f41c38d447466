package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran atomic.Int64
	for id := range int64(5) {
		require.NoError(t, pool.Submit(context.Background(), id+1, func(context.Context) { ran.Add(1) }))
	}
	pool.Wait()

	assert.Equal(t, int64(5), ran.Load())
	assert.Equal(t, int64(5), pool.Metrics().Completed)
	assert.Empty(t, pool.Running())
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	for id := range int64(12) {
		require.NoError(t, pool.Submit(context.Background(), id+1, func(context.Context) {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_TracksRunningTasks(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()
	assert.Equal(t, 2, pool.Size())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	for _, id := range []int64{9, 4} {
		require.NoError(t, pool.Submit(context.Background(), id, func(context.Context) {
			started <- struct{}{}
			<-release
		}))
	}
	<-started
	<-started
	assert.Equal(t, []int64{4, 9}, pool.Running())
	assert.Equal(t, 0, pool.Available())
	assert.Equal(t, int64(2), pool.Metrics().Active)

	close(release)
	pool.Wait()
	assert.Equal(t, 2, pool.Available())
}

func TestWorkerPool_RejectsTaskAlreadyInFlight(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), 7, func(context.Context) { <-release }))
	assert.Error(t, pool.Submit(context.Background(), 7, func(context.Context) {}))
	assert.Equal(t, 1, pool.Available())

	close(release)
	pool.Wait()
}

func TestWorkerPool_BlocksWhenFullUntilContextEnds(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), 1, func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, 2, func(context.Context) {}), context.DeadlineExceeded)

	close(release)
}

func TestWorkerPool_PanicIsReported(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	var got atomic.Int64
	pool.OnPanic(func(taskID int64, v any) {
		assert.Equal(t, "operator blew up", v)
		got.Store(taskID)
	})

	require.NoError(t, pool.Submit(context.Background(), 3, func(context.Context) { panic("operator blew up") }))
	pool.Wait()
	assert.Equal(t, int64(3), got.Load())
	assert.Equal(t, int64(1), pool.Metrics().Panics)

	require.NoError(t, pool.Submit(context.Background(), 3, func(context.Context) {}))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished atomic.Bool
	require.NoError(t, pool.Submit(context.Background(), 1, func(context.Context) {
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	}))
	pool.Shutdown()
	pool.Shutdown()

	assert.True(t, finished.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), 2, func(context.Context) {}), ErrPoolShutdown)
}
