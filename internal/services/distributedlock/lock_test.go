package distributedlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, opts ...Option) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, opts...), s
}

func TestNewLocker_Defaults(t *testing.T) {
	locker, _ := newTestLocker(t)
	assert.Equal(t, defaultPrefix, locker.prefix)
	assert.NotNil(t, locker.logger)

	custom, _ := newTestLocker(t, WithPrefix("test:"), WithLogger(nil))
	assert.Equal(t, "test:", custom.prefix)
	assert.NotNil(t, custom.logger)
}

func TestOptions_Normalized(t *testing.T) {
	o := Options{TTL: 9 * time.Second, RenewalInterval: time.Minute}.normalized()
	assert.Equal(t, 3*time.Second, o.RenewalInterval)
	assert.Equal(t, DefaultOptions().RetryInterval, o.RetryInterval)

	zero := Options{}.normalized()
	assert.Equal(t, 30*time.Second, zero.TTL)
	assert.Equal(t, 10*time.Second, zero.RenewalInterval)
}

func TestLocker_TryLock(t *testing.T) {
	locker, s := newTestLocker(t, WithPrefix("test:"))
	ctx := t.Context()

	lock, err := locker.TryLock(ctx, "migrate", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "migrate", lock.Name)
	assert.NotEmpty(t, lock.Token())
	assert.True(t, lock.ExpiresAt().After(time.Now()))

	stored, err := s.Get("test:migrate")
	require.NoError(t, err)
	assert.Equal(t, lock.Token(), stored)

	_, err = locker.TryLock(ctx, "migrate", time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	s.FastForward(2 * time.Second)
	relocked, err := locker.TryLock(ctx, "migrate", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, lock.Token(), relocked.Token())
}

func TestLocker_Acquire(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := t.Context()

	held, err := locker.TryLock(ctx, "seed", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "seed", Options{TTL: time.Minute, WaitTimeout: 100 * time.Millisecond, RetryInterval: 10 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Contains(t, err.Error(), "timeout waiting for lock seed")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = locker.Release(context.Background(), held)
	}()

	lock, err := locker.Acquire(ctx, "seed", Options{TTL: time.Minute, WaitTimeout: 2 * time.Second, RetryInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, lock))
}

func TestLocker_ReleaseAndExtend(t *testing.T) {
	locker, s := newTestLocker(t)
	ctx := t.Context()

	lock, err := locker.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)

	require.NoError(t, locker.Extend(ctx, lock, 10*time.Second))
	assert.Equal(t, 10*time.Second, s.TTL(defaultPrefix+"job"))

	require.NoError(t, locker.Release(ctx, lock))
	assert.False(t, s.Exists(defaultPrefix+"job"))

	assert.ErrorIs(t, locker.Release(ctx, lock), ErrNotHeld)
	assert.ErrorIs(t, locker.Extend(ctx, lock, time.Second), ErrNotHeld)
	assert.Error(t, locker.Release(ctx, nil))
	assert.Error(t, locker.Extend(ctx, nil, time.Second))
}

func TestLocker_ReleaseDoesNotStealForeignLease(t *testing.T) {
	locker, s := newTestLocker(t)
	ctx := t.Context()

	lock, err := locker.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Set(defaultPrefix+"job", "someone-else"))
	assert.ErrorIs(t, locker.Release(ctx, lock), ErrNotHeld)

	token, found, err := locker.Holder(ctx, "job")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "someone-else", token)
}

func TestLocker_Holder(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := t.Context()

	_, found, err := locker.Holder(ctx, "nothing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLocker_WithLock(t *testing.T) {
	locker, s := newTestLocker(t)
	ctx := t.Context()

	ran := false
	err := locker.WithLock(ctx, "migrate", Options{TTL: time.Second}, func(ctx context.Context) error {
		ran = true
		assert.True(t, s.Exists(defaultPrefix+"migrate"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, s.Exists(defaultPrefix+"migrate"))
}

func TestLocker_WithLockReturnsCallbackError(t *testing.T) {
	locker, s := newTestLocker(t)
	boom := errors.New("boom")

	err := locker.WithLock(t.Context(), "migrate", Options{TTL: time.Second}, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Exists(defaultPrefix+"migrate"))
}

func TestLocker_WithLockRenews(t *testing.T) {
	locker, s := newTestLocker(t)
	opts := Options{TTL: 300 * time.Millisecond, RenewalInterval: 20 * time.Millisecond}

	err := locker.WithLock(t.Context(), "seed", opts, func(ctx context.Context) error {
		s.SetTTL(defaultPrefix+"seed", time.Millisecond)
		assert.Eventually(t, func() bool {
			return s.TTL(defaultPrefix+"seed") == 300*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
		return ctx.Err()
	})
	require.NoError(t, err)
}

func TestLocker_WithLockCancelsWhenLeaseLost(t *testing.T) {
	locker, s := newTestLocker(t)
	opts := Options{TTL: time.Second, RenewalInterval: 20 * time.Millisecond}

	err := locker.WithLock(t.Context(), "seed", opts, func(ctx context.Context) error {
		s.Del(defaultPrefix + "seed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(3 * time.Second):
			return errors.New("context was not canceled")
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestLocker_WithLockBusy(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := t.Context()

	_, err := locker.TryLock(ctx, "migrate", time.Minute)
	require.NoError(t, err)

	called := false
	err = locker.WithLock(ctx, "migrate", Options{TTL: time.Minute, WaitTimeout: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
}

func TestLocker_Close(t *testing.T) {
	locker, s := newTestLocker(t)
	ctx := t.Context()

	_, err := locker.TryLock(ctx, "a", time.Minute)
	require.NoError(t, err)
	_, err = locker.TryLock(ctx, "b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, locker.Close())
	assert.False(t, s.Exists(defaultPrefix+"a"))
	assert.False(t, s.Exists(defaultPrefix+"b"))
}
