package workerpool

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

func config(workers, queue int) Config {
	return Config{
		Workers:         workers,
		QueueSize:       queue,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: time.Second,
	}
}

func TestProcessesEveryJob(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)
	pool, err := New(config(4, 100), func(_ context.Context, job Job) error {
		mu.Lock()
		seen[job.ID] = string(job.Payload)
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	pool.Start()
	require.NoError(t, pool.Submit(Job{ID: "a", Payload: []byte("1")}))
	require.NoError(t, pool.Submit(Job{ID: "b", Payload: []byte("2")}))
	pool.Stop()

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int64
	pool, err := New(config(1, 10), func(_ context.Context, _ Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	require.NoError(t, err)

	pool.Start()
	require.NoError(t, pool.Submit(Job{ID: "j1"}))
	pool.Stop()

	assert.Equal(t, int64(3), attempts.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestExhaustedRetriesCountAsFailure(t *testing.T) {
	pool, err := New(config(1, 10), func(_ context.Context, _ Job) error {
		return errors.New("permanent")
	}, nil)
	require.NoError(t, err)

	pool.Start()
	require.NoError(t, pool.Submit(Job{ID: "j1"}))
	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestSubmitFullQueue(t *testing.T) {
	release := make(chan struct{})
	pool, err := New(config(1, 1), func(_ context.Context, _ Job) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	// One job occupies the worker, one fills the queue; the third is refused.
	require.NoError(t, pool.Submit(Job{ID: "running"}))
	require.Eventually(t, func() bool {
		return pool.Submit(Job{ID: "queued"}) == nil
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, pool.Submit(Job{ID: "refused"}), ErrQueueFull)

	close(release)
	pool.Stop()
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(config(1, 10), func(_ context.Context, _ Job) error { return nil }, nil)
	require.NoError(t, err)
	pool.Start()
	pool.Stop()

	require.ErrorIs(t, pool.Submit(Job{ID: "late"}), ErrStopped)
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	require.Error(t, err)
}
