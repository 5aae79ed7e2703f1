package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retrying wraps an ObjectStore and retries operations that fail with
// ErrUnavailable, using fibonacci backoff. Other errors pass through.
type Retrying struct {
	inner    ObjectStore
	attempts uint64
	base     time.Duration
}

// WithRetry decorates store so transient backend failures are retried up to
// attempts additional times.
func WithRetry(store ObjectStore, attempts uint64, base time.Duration) *Retrying {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Retrying{inner: store, attempts: attempts, base: base}
}

func (r *Retrying) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.attempts, retry.NewFibonacci(r.base))
}

func (r *Retrying) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Retrying) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	seeker, canRewind := body.(io.Seeker)
	return r.do(ctx, func(ctx context.Context) error {
		if canRewind {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		return r.inner.Put(ctx, key, body, opts)
	})
}

func (r *Retrying) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		info, err = r.inner.Stat(ctx, key)
		return err
	})
	return info, err
}

func (r *Retrying) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		rc, err = r.inner.Open(ctx, key)
		return err
	})
	return rc, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}
