package embedding

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const maxBackoff = 30 * time.Second

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn up to attempts times with exponential backoff and full jitter:
// before attempt n it sleeps a random duration in [0, delay*2^(n-1)], capped
// at maxBackoff. It stops early on success, on a Permanent error, or when ctx
// is done.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			sleep := time.Duration(0)
			if cur > 0 {
				sleep = time.Duration(rand.Int63n(int64(cur) + 1))
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(sleep):
			}
			cur *= 2
			if cur > maxBackoff {
				cur = maxBackoff
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}

	return zero, lastErr
}
