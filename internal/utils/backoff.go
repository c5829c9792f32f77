package utils

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Backoff is a bounded exponential retry policy: attempt n waits Base*2^n
// unless Override supplies a delay for the failing error.
type Backoff struct {
	Base       time.Duration
	MaxRetries int

	Retryable func(err error) bool
	Override  func(err error) (time.Duration, bool)
	OnRetry   func(retry int, delay time.Duration, err error)
}

func NewBackoff(base time.Duration, maxRetries int) Backoff {
	return Backoff{Base: base, MaxRetries: maxRetries}
}

// Delay returns the wait before retry number attempt+1.
func (b Backoff) Delay(attempt int, err error) time.Duration {
	if b.Override != nil {
		if d, ok := b.Override(err); ok {
			return d
		}
	}
	return b.Base * time.Duration(1<<attempt)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. A negative MaxRetries means no retries. The last error is
// returned unwrapped.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	attempt := 0
	return retry.Do(
		func() error {
			err := fn(attempt)
			attempt++
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(b.MaxRetries, 0))+1),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return b.Retryable == nil || b.Retryable(err)
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			d := b.Delay(int(n), err)
			if b.OnRetry != nil {
				b.OnRetry(int(n)+1, d, err)
			}
			return d
		}),
	)
}
