// Package retry provides a small bounded-retry helper with quadratic
// backoff, used for job-store writes that must not give up on the first
// transient database error.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first one.
	MaxAttempts int
	// BaseDelay scales the backoff: the wait after attempt n is n² × BaseDelay.
	BaseDelay time.Duration
	// OnRetry, when set, runs after each failed attempt before the delay.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or the attempt budget runs out. It returns
// nil on the first success, otherwise the last error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		delay := cfg.BaseDelay * time.Duration(attempt*attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry canceled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}

// Backoff returns the delay before attempt n (1-indexed) under the same
// quadratic schedule Do uses. Exposed so callers can stamp re-eligibility
// times instead of sleeping.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt*attempt)
}
