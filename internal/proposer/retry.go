package proposer

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures transport-level retries with exponential backoff.
// This is separate from the orchestrator's attempt loop: it only smooths over
// transient unreachability within a single proposal call.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy returns the default transport retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the backoff for retry n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if max := float64(p.MaxDelay); delay > max {
		delay = max
	}
	if p.Jitter {
		// +/- 50% to avoid synchronized retries
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}
