package retry

import (
	"math"
	"time"
)

// Backoff returns the delay before the given 1-based attempt is retried.
type Backoff func(attempt int) time.Duration

// Exponential grows base by factor per attempt and caps the result at maxDelay.
// The schedule never decreases as attempt grows.
func Exponential(base time.Duration, factor float64, maxDelay time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 1
	}
	if maxDelay < base {
		maxDelay = base
	}
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return base
		}
		d := float64(base) * math.Pow(factor, float64(attempt-1))
		if d >= float64(maxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
			return maxDelay
		}
		return time.Duration(d)
	}
}
