package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, RetryableClasses: []string{"rate_limited"}}

	assert.True(t, p.ShouldRetry(1, "", true))
	assert.True(t, p.ShouldRetry(2, "rate_limited", false))
	assert.False(t, p.ShouldRetry(3, "", true), "attempt budget exhausted")
	assert.False(t, p.ShouldRetry(1, "bad_input", false), "unlisted class without the flag is terminal")
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(5), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.Delay(0), "below-range attempt clamps to first")
}

func TestRetryPolicy_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	for i := 0; i < 200; i++ {
		d := p.Delay(3) // nominal 4s, ±25%
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultRetryPolicy().InitialDelay, p.InitialDelay)

	kept := RetryPolicy{MaxAttempts: 7}.withDefaults()
	assert.Equal(t, 7, kept.MaxAttempts)
}
