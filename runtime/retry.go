package runtime

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether a failed attempt gets another one and how long
// the backoff before redispatch is. Classification is explicit: a failure
// retries only when the worker flagged it retryable or its class is listed.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts per run, the first one
	// included.
	MaxAttempts int
	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter spreads delays by up to ±25% so herds of failed runs do not
	// come back in lockstep.
	Jitter bool
	// RetryableClasses lists failure classes retried even when the worker
	// did not flag them retryable.
	RetryableClasses []string
}

// DefaultRetryPolicy returns the stock policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// ShouldRetry reports whether a failure on the given attempt number warrants
// another attempt.
func (p RetryPolicy) ShouldRetry(attemptNo int, class string, retryable bool) bool {
	if attemptNo >= p.MaxAttempts {
		return false
	}
	if retryable {
		return true
	}
	for _, c := range p.RetryableClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Delay returns the backoff before the attempt after attemptNo.
// delay = initial * multiplier^(attemptNo-1), capped at MaxDelay, with
// optional ±25% jitter, never below InitialDelay.
func (p RetryPolicy) Delay(attemptNo int) time.Duration {
	if attemptNo < 1 {
		attemptNo = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attemptNo-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}
	return time.Duration(delay)
}
