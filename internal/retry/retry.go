// Package retry re-runs failed operations with exponential backoff and jitter.
// The transfer core never retries on its own; callers opt in here.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// DefaultMaxRetries is the default number of retry attempts.
const DefaultMaxRetries = 3

// Policy shapes the backoff. The delay before retry n (0-based) is
// Base*2^n plus up to Jitter, capped at Max.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     time.Duration
	// Retryable decides whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

// DefaultPolicy returns 3 retries starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Base:       time.Second,
		Max:        30 * time.Second,
		Jitter:     time.Second,
	}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if p.Max > 0 && (d > p.Max || d <= 0) {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

// WithRetry executes fn up to p.MaxRetries+1 times, sleeping between failures.
func WithRetry[T any](ctx context.Context, operation string, p Policy, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return result, lastErr
		}

		if attempt < p.MaxRetries {
			delay := p.delay(attempt)
			slog.Warn("operation failed, retrying",
				"operation", operation,
				"attempt", attempt+1,
				"max_retries", p.MaxRetries,
				"delay", delay,
				"error", lastErr)

			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return result, lastErr
}
