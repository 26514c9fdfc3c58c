package blob

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how long a single call may run and how often it is retried.
type RetryPolicy struct {
	// Timeout bounds each attempt. Zero disables the per-attempt timeout.
	Timeout time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles after
	// each failure up to MaxDelay. Jitter of up to 50% is added.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:     10 * time.Second,
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Retrying wraps a Store, retrying transient failures with bounded backoff.
//
// ErrNotFound, ErrInvalidKey and cancellation of the caller's context are
// permanent and returned immediately. Everything else, including an attempt
// exceeding its own timeout, is retried. When every attempt fails the last
// error is returned; a Put that timed out may still have landed, so callers
// must verify with Head before relying on it.
type Retrying struct {
	Store  Store
	Policy RetryPolicy
}

// NewRetrying wraps s with policy p.
func NewRetrying(s Store, p RetryPolicy) *Retrying {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Retrying{Store: s, Policy: p}
}

// Put implements Store.
func (r *Retrying) Put(ctx context.Context, key string, data []byte) (ObjectInfo, error) {
	return retry(ctx, r.Policy, "put", key, func(ctx context.Context) (ObjectInfo, error) {
		return r.Store.Put(ctx, key, data)
	})
}

// Get implements Store.
func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, r.Policy, "get", key, func(ctx context.Context) ([]byte, error) {
		return r.Store.Get(ctx, key)
	})
}

// Head implements Store.
func (r *Retrying) Head(ctx context.Context, key string) (ObjectInfo, error) {
	return retry(ctx, r.Policy, "head", key, func(ctx context.Context) (ObjectInfo, error) {
		return r.Store.Head(ctx, key)
	})
}

// Delete implements Store.
func (r *Retrying) Delete(ctx context.Context, key string) error {
	_, err := retry(ctx, r.Policy, "delete", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.Store.Delete(ctx, key)
	})
	return err
}

// List implements Store. Listing is not retried since a partially consumed
// iterator cannot be replayed transparently.
func (r *Retrying) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return r.Store.List(ctx, prefix)
}

// CleanupTemp forwards to the wrapped store when it supports it.
func (r *Retrying) CleanupTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	if c, ok := r.Store.(TempCleaner); ok {
		return c.CleanupTemp(ctx, olderThan)
	}
	return 0, nil
}

// TempCleaner is implemented by stores that stage writes in temp files.
type TempCleaner interface {
	CleanupTemp(ctx context.Context, olderThan time.Duration) (int, error)
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) || errors.Is(err, context.Canceled)
}

func retry[T any](ctx context.Context, p RetryPolicy, op, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		var v T
		v, err = attemptOnce(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) || ctx.Err() != nil || attempt >= p.MaxAttempts {
			return zero, err
		}
		wait := delay
		if wait > 0 {
			wait += rand.N(wait/2 + 1)
		}
		slog.DebugContext(ctx, "Retrying object store call", "op", op, "key", key, "attempt", attempt, "wait", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
