// Package backoff provides exponential backoff schedule computation with
// jitter and a context-aware sleep.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max clamps the computed delay before jitter is applied.
	Max time.Duration
	// Factor is the exponential multiplier applied per attempt.
	Factor float64
	// Jitter, when set, multiplies the clamped delay by a random factor
	// in [0.5, 1.5).
	Jitter bool
}

// Default returns the policy used for provider and tool retries.
// Initial: 500ms, Max: 10s, Factor: 2, jitter on.
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  true,
	}
}

// Compute calculates the delay before the given attempt. Attempt numbers
// start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a caller-provided random value
// in [0.0, 1.0), which makes the schedule deterministic in tests.
//
// The delay is initial * factor^(attempt-1), clamped to Max. With jitter on
// the clamped delay is then multiplied by (0.5 + randomValue), i.e. a factor
// in [0.5, 1.5). The pre-jitter schedule is monotonically non-decreasing.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	if max := float64(policy.Max); policy.Max > 0 && base > max {
		base = max
	}
	if policy.Jitter {
		base *= 0.5 + randomValue
	}
	return time.Duration(base)
}
