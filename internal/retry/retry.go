// Package retry implements bounded exponential backoff for transient
// failures, used by the webhook dispatcher to retry deliveries.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls one retry run.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delays lists the wait before each retry attempt in order; if fewer
	// delays are given than attempts require, the last delay repeats.
	Delays []time.Duration
	// ShouldRetry classifies an error as retryable. Nil retries everything.
	ShouldRetry func(err error) bool
}

// Do invokes fn until it succeeds, cfg.MaxAttempts is exhausted, or ctx is
// cancelled, sleeping cfg.Delays between attempts. It returns the error
// from the final attempt, joined with ctx.Err() if cancellation won the race.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delayFor(cfg.Delays, attempt)):
		}
	}
	return lastErr
}

func delayFor(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
