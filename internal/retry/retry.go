// Package retry runs external calls with a per-attempt timeout and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how long a call is attempted.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		CallTimeout:     20 * time.Second,
	}
}

// Do calls fn until it succeeds, fails with an error retryable rejects, or the
// attempts run out. Each attempt gets its own CallTimeout; an attempt that
// times out is always retried. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
