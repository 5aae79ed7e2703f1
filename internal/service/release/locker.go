package release

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// Locker serializes releases per environment. Acquire blocks until the
// environment lock is held or ctx is done; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, slug string) (release func(), err error)
}

// memoryLocker guards each environment with an in-process semaphore. It is
// the default for single-node deployments.
type memoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker constructs an in-process per-environment locker.
func NewMemoryLocker() Locker {
	return &memoryLocker{slots: make(map[string]chan struct{})}
}

func (l *memoryLocker) slot(slug string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[slug]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[slug] = ch
	}
	return ch
}

func (l *memoryLocker) Acquire(ctx context.Context, slug string) (func(), error) {
	ch := l.slot(slug)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// redisLocker coordinates releases across nodes with a Redis lock per
// environment. Locks expire after ttl so a crashed node cannot wedge an
// environment.
type redisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedisLocker constructs a Redis backed locker on an existing client.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) Locker {
	return &redisLocker{client: redislock.New(rdb), ttl: ttl}
}

func (l *redisLocker) Acquire(ctx context.Context, slug string) (func(), error) {
	lock, err := l.client.Obtain(ctx, "iwa:release:"+slug, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 20),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("environment %s: %w", slug, ErrConcurrentRelease)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain release lock: %w", err)
	}
	return func() {
		// Release must run even when the caller's ctx is already done.
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}
