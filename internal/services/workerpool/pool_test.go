package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 5
	cfg.QueueSize = 50

	pool := New(cfg)
	require.NotNil(t, pool)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 50, cap(pool.taskQueue))
	assert.False(t, pool.running)
}

func TestNew_ClampsWorkers(t *testing.T) {
	pool := New(Config{Workers: 0, QueueSize: -1})
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 0, cap(pool.taskQueue))
}

func TestPool_StartStop(t *testing.T) {
	pool := New(Config{Workers: 2, QueueSize: 10})
	require.NoError(t, pool.Start())
	assert.True(t, pool.IsRunning())

	err := pool.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, pool.Stop())
	assert.False(t, pool.IsRunning())
	assert.ErrorIs(t, pool.Stop(), ErrPoolNotRunning)
	assert.ErrorIs(t, pool.Start(), ErrPoolStopping)
}

func TestPool_SubmitNotRunning(t *testing.T) {
	pool := New(DefaultConfig())
	err := pool.Submit(Task{ID: "x", Execute: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolNotRunning)
}

func TestPool_Submit(t *testing.T) {
	pool := New(Config{Workers: 2, QueueSize: 10})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	done := make(chan struct{})
	err := pool.Submit(Task{
		ID: "test-task",
		Execute: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestPool_DropOnFull(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1, DropOnFull: true})
	require.NoError(t, pool.Start())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Task{ID: "block", Execute: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, pool.Submit(blocker))
	<-started

	noop := Task{ID: "noop", Execute: func(context.Context) error { return nil }}
	require.NoError(t, pool.Submit(noop))
	assert.ErrorIs(t, pool.Submit(noop), ErrQueueFull)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 1, stats.QueueCapacity)

	close(release)
	require.NoError(t, pool.Stop())
}

func TestPool_StopWaitsForRunningTasks(t *testing.T) {
	pool := New(Config{Workers: 4, QueueSize: 16})
	require.NoError(t, pool.Start())

	var completed atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(Task{ID: "t", Execute: func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			completed.Add(1)
			return nil
		}}))
	}

	require.NoError(t, pool.Stop())
	assert.Equal(t, int32(8), completed.Load())
}

func TestGo_ReturnsValue(t *testing.T) {
	pool := New(Config{Workers: 2, QueueSize: 4})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	f := Go(context.Background(), pool, "square", func(ctx context.Context) (int, error) {
		return 7 * 7, nil
	})

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 49, v)
}

func TestGo_PropagatesError(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	boom := errors.New("boom")
	f := Go(context.Background(), pool, "fail", func(ctx context.Context) (string, error) {
		return "", boom
	})

	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestGo_RecoversPanic(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	f := Go(context.Background(), pool, "panicky", func(ctx context.Context) (int, error) {
		panic("kaboom")
	})

	_, err := f.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicky panicked")

	// The worker survives the panic.
	g := Go(context.Background(), pool, "after", func(ctx context.Context) (int, error) { return 1, nil })
	v, err := g.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_AwaitTimeout(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Start())

	release := make(chan struct{})
	f := Go(context.Background(), pool, "slow", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-f.Done()
	require.NoError(t, pool.Stop())
}

func TestGo_RejectedSubmissionResolvesImmediately(t *testing.T) {
	pool := New(DefaultConfig())
	f := Go(context.Background(), pool, "rejected", func(ctx context.Context) (int, error) { return 1, nil })

	select {
	case <-f.Done():
	default:
		t.Fatal("future should be resolved")
	}
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, ErrPoolNotRunning)
}

func TestGo_NilPoolRunsInline(t *testing.T) {
	f := Go(context.Background(), nil, "inline", func(ctx context.Context) (string, error) { return "ok", nil })
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGo_CancelledContextSkipsWork(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1})
	require.NoError(t, pool.Start())
	defer func() { _ = pool.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	f := Go(ctx, pool, "cancelled", func(ctx context.Context) (int, error) {
		ran.Store(true)
		return 1, nil
	})
	<-f.Done()
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran.Load())
}
