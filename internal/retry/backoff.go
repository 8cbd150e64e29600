package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/apexgate/apexgate/internal/config"
)

// Backoff computes the delay before a retry attempt. Attempt numbering
// starts at 0 for the delay after the first failure.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by a constant factor per attempt,
// with optional jitter.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

// NewExponentialBackoff creates an exponential backoff. A factor at or
// below 1 falls back to doubling.
func NewExponentialBackoff(initial, max time.Duration, factor, jitter float64) *ExponentialBackoff {
	if factor <= 1 {
		factor = 2
	}
	return &ExponentialBackoff{initial: initial, max: max, factor: factor, jitter: jitter}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(b.initial) * math.Pow(b.factor, float64(attempt))
	if b.max > 0 && backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		jitterRange := backoff * b.jitter
		//nolint:gosec // G404: jitter for retry timing is not security-sensitive
		backoff += rand.Float64()*2*jitterRange - jitterRange
	}

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// LinearBackoff grows the delay by a fixed increment per attempt.
type LinearBackoff struct {
	initial   time.Duration
	increment time.Duration
	max       time.Duration
}

// NewLinearBackoff creates a linear backoff.
func NewLinearBackoff(initial, increment, max time.Duration) *LinearBackoff {
	return &LinearBackoff{initial: initial, increment: increment, max: max}
}

// Next implements Backoff.
func (b *LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := b.initial + time.Duration(attempt)*b.increment
	if b.max > 0 && backoff > b.max {
		backoff = b.max
	}

	return backoff
}

// ConstantBackoff waits the same delay before every attempt.
type ConstantBackoff struct {
	interval time.Duration
}

// NewConstantBackoff creates a constant backoff.
func NewConstantBackoff(interval time.Duration) *ConstantBackoff {
	return &ConstantBackoff{interval: interval}
}

// Next implements Backoff.
func (b *ConstantBackoff) Next(int) time.Duration {
	return b.interval
}

// NewBackoff builds the strategy a retry policy names. Unknown names
// fall back to exponential.
func NewBackoff(cfg config.RetryConfig) Backoff {
	initial := cfg.InitialDelay.Duration()
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := cfg.MaxDelay.Duration()

	switch cfg.Backoff {
	case config.BackoffLinear:
		increment := cfg.Increment.Duration()
		if increment <= 0 {
			increment = initial
		}
		return NewLinearBackoff(initial, increment, max)
	case config.BackoffConstant:
		return NewConstantBackoff(initial)
	default:
		return NewExponentialBackoff(initial, max, cfg.Multiplier, 0)
	}
}
