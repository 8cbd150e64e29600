package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apexgate/apexgate/internal/config"
)

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 0)

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 400*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(3))

	// Capped at max.
	assert.Equal(t, 2*time.Second, b.Next(10))

	// Negative attempts clamp to the initial delay.
	assert.Equal(t, 100*time.Millisecond, b.Next(-1))
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	t.Parallel()

	b := NewExponentialBackoff(100*time.Millisecond, 0, 2, 0.5)

	for i := 0; i < 50; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestLinearBackoff(t *testing.T) {
	t.Parallel()

	b := NewLinearBackoff(100*time.Millisecond, 50*time.Millisecond, 300*time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 150*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 300*time.Millisecond, b.Next(4))
	assert.Equal(t, 300*time.Millisecond, b.Next(100))
}

func TestConstantBackoff(t *testing.T) {
	t.Parallel()

	b := NewConstantBackoff(75 * time.Millisecond)

	assert.Equal(t, 75*time.Millisecond, b.Next(0))
	assert.Equal(t, 75*time.Millisecond, b.Next(5))
}

func TestNewBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.RetryConfig
		expected any
	}{
		{
			name:     "exponential",
			cfg:      config.RetryConfig{Backoff: config.BackoffExponential},
			expected: &ExponentialBackoff{},
		},
		{
			name:     "linear",
			cfg:      config.RetryConfig{Backoff: config.BackoffLinear},
			expected: &LinearBackoff{},
		},
		{
			name:     "constant",
			cfg:      config.RetryConfig{Backoff: config.BackoffConstant},
			expected: &ConstantBackoff{},
		},
		{
			name:     "unknown falls back to exponential",
			cfg:      config.RetryConfig{Backoff: "random"},
			expected: &ExponentialBackoff{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.IsType(t, tt.expected, NewBackoff(tt.cfg))
		})
	}
}
