// Package distributedlock serializes one-off jobs across service instances,
// such as schema migrations and catalog seeding, using Redis leases.
package distributedlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNotAcquired means another holder owns the lease.
	ErrNotAcquired = errors.New("lock already held")
	// ErrNotHeld means the lease expired or was taken over before release or renewal.
	ErrNotHeld = errors.New("lock was not held or token mismatch")
	// ErrLockLost is the cause attached to the context of a WithLock callback
	// when renewal fails.
	ErrLockLost = errors.New("lock lost during renewal")
)

const defaultPrefix = "optiroute:lock:"

// Only the owner token may delete or extend a lease.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Options controls acquisition and renewal.
type Options struct {
	TTL             time.Duration
	WaitTimeout     time.Duration
	RetryInterval   time.Duration
	RenewalInterval time.Duration
}

// DefaultOptions waits up to a minute for the lease and renews at a third of the TTL.
func DefaultOptions() Options {
	return Options{
		TTL:             30 * time.Second,
		WaitTimeout:     time.Minute,
		RetryInterval:   250 * time.Millisecond,
		RenewalInterval: 10 * time.Second,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.RenewalInterval <= 0 || o.RenewalInterval >= o.TTL {
		o.RenewalInterval = o.TTL / 3
	}
	return o
}

// Locker hands out leases under a common key prefix.
type Locker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*Lock
}

type Option func(*Locker)

func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLocker(client *redis.Client, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: defaultPrefix,
		logger: zap.NewNop(),
		held:   make(map[string]*Lock),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock is an acquired lease.
type Lock struct {
	Name  string
	key   string
	token string

	mu        sync.Mutex
	expiresAt time.Time
}

// Token identifies this holder.
func (k *Lock) Token() string { return k.token }

// ExpiresAt is the lease deadline as of the last successful renewal.
func (k *Lock) ExpiresAt() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.expiresAt
}

func (k *Lock) setExpiry(ttl time.Duration) {
	k.mu.Lock()
	k.expiresAt = time.Now().Add(ttl)
	k.mu.Unlock()
}

func (l *Locker) key(name string) string {
	return l.prefix + name
}

// TryLock makes a single acquisition attempt and returns ErrNotAcquired when
// the lease is taken.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if l.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if ttl <= 0 {
		ttl = DefaultOptions().TTL
	}

	lock := &Lock{Name: name, key: l.key(name), token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	lock.setExpiry(ttl)

	l.mu.Lock()
	l.held[name] = lock
	l.mu.Unlock()
	return lock, nil
}

// Acquire retries TryLock until it succeeds, the wait timeout passes, or ctx
// is done. A zero WaitTimeout means a single attempt.
func (l *Locker) Acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	opts = opts.normalized()
	if opts.WaitTimeout <= 0 {
		return l.TryLock(ctx, name, opts.TTL)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		lock, err := l.TryLock(waitCtx, name, opts.TTL)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("timeout waiting for lock %s: %w", name, ErrNotAcquired)
		case <-ticker.C:
		}
	}
}

// Release deletes the lease if this holder still owns it.
func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return errors.New("lock is nil")
	}

	l.mu.Lock()
	delete(l.held, lock.Name)
	l.mu.Unlock()

	n, err := releaseScript.Run(ctx, l.client, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", lock.Name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease deadline ttl into the future.
func (l *Locker) Extend(ctx context.Context, lock *Lock, ttl time.Duration) error {
	if lock == nil {
		return errors.New("lock is nil")
	}

	n, err := extendScript.Run(ctx, l.client, []string{lock.key}, lock.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", lock.Name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	lock.setExpiry(ttl)
	return nil
}

// Holder reports the token currently owning name.
func (l *Locker) Holder(ctx context.Context, name string) (string, bool, error) {
	token, err := l.client.Get(ctx, l.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return token, true, nil
}

// WithLock runs fn while holding name, renewing the lease in the background.
// If renewal fails the context passed to fn is canceled with ErrLockLost.
func (l *Locker) WithLock(ctx context.Context, name string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.normalized()
	lock, err := l.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(runCtx, lock, opts, stop, cancel)
	}()

	fnErr := fn(runCtx)

	close(stop)
	<-renewed
	lost := context.Cause(runCtx)
	cancel(nil)

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	relErr := l.Release(releaseCtx, lock)

	if fnErr != nil {
		return fnErr
	}
	if errors.Is(lost, ErrLockLost) {
		return lost
	}
	if relErr != nil && !errors.Is(relErr, ErrNotHeld) {
		l.logger.Warn("Failed to release lock", zap.String("lock", name), zap.Error(relErr))
	}
	return nil
}

func (l *Locker) renew(ctx context.Context, lock *Lock, opts Options, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(opts.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, extendCancel := context.WithTimeout(context.WithoutCancel(ctx), opts.RenewalInterval)
			err := l.Extend(extendCtx, lock, opts.TTL)
			extendCancel()
			if err != nil {
				l.logger.Error("Lock renewal failed", zap.String("lock", lock.Name), zap.Error(err))
				cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
				return
			}
		}
	}
}

// Close releases every lease still held by this Locker.
func (l *Locker) Close() error {
	l.mu.Lock()
	locks := make([]*Lock, 0, len(l.held))
	for _, lock := range l.held {
		locks = append(locks, lock)
	}
	l.held = make(map[string]*Lock)
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, lock := range locks {
		if _, err := releaseScript.Run(ctx, l.client, []string{lock.key}, lock.token).Result(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
