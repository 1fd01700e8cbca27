// Package retry runs fallible operations with exponential backoff.
//
// Attempt 1 runs immediately; attempt k (k >= 2) waits InitialDelay * 2^(k-2).
// There is no jitter and no delay cap. An operation that returns an error
// wrapped with Permanent is not retried.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
)

// Config describes the retry budget.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// DefaultConfig returns 3 attempts starting at a 1s delay.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, InitialDelay: DefaultInitialDelay}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	return c
}

// Notify is called before each backoff wait with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

// Permanent marks err as non-retryable. Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, or the attempt
// budget is spent. The last error is returned unmodified. Waiting only blocks
// the calling goroutine and ends early if ctx is done.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	cfg = cfg.withDefaults()

	attempt := 0
	operation := func() (T, error) {
		attempt++
		return op(ctx)
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotifyWithData(operation, backoff.WithContext(newBackOff(cfg), ctx), onRetry)
}

func newBackOff(cfg Config) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1))
}
