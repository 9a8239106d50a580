package errorpolicy

import (
	"math"
	"math/rand"
	"time"
)

// Backoff reproduces the reference implementation's randomized exponential
// retry delay: (2.0 * random()) ** (maximum_retries - retries), capped so a
// single sleep never exceeds maxDelay.
type Backoff struct {
	MaximumRetries int
	MaxDelay       time.Duration
}

// DefaultBackoff matches spec §4.6's default retry budget.
func DefaultBackoff() Backoff {
	return Backoff{MaximumRetries: 20, MaxDelay: 60 * time.Second}
}

// Delay computes the sleep duration before the next attempt, given how
// many retries remain (retriesLeft counts down from MaximumRetries).
func (b Backoff) Delay(retriesLeft int) time.Duration {
	exponent := float64(b.MaximumRetries - retriesLeft)
	seconds := math.Pow(2.0*rand.Float64(), exponent)
	d := time.Duration(seconds * float64(time.Second))
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
