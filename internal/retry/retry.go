// Package retry executes backend calls with bounded, backoff-delayed
// retries. Whether an error is worth retrying is the caller's decision
// through Options.ShouldRetry; this package only drives the loop.
package retry

import (
	"context"
	"time"

	"github.com/apexgate/apexgate/internal/config"
)

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// ShouldRetryFunc decides whether an error triggers another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each retry sleep.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options configures optional retry behavior.
type Options struct {
	// ShouldRetry decides whether an error triggers another attempt.
	// Nil retries every error.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry sleep.
	OnRetry OnRetryFunc
}

// Do runs fn up to 1+MaxRetries times, sleeping per the configured
// backoff between attempts. It returns nil on the first success, the
// last error once attempts are exhausted or ShouldRetry declines, and
// the context error if the context ends first.
func Do(ctx context.Context, cfg config.RetryConfig, fn RetryableFunc, opts *Options) error {
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := NewBackoff(cfg)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if opts != nil && opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt < maxRetries {
			delay := backoff.Next(attempt)

			if opts != nil && opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}
