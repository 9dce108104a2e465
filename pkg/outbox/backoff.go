package outbox

import "time"

// backoffExponentCap bounds the doubling so the computed delay cannot
// overflow before the ceiling clamp applies.
const backoffExponentCap = 10

// backoff computes the retry delay after a failed attempt. A positive
// provider-asserted hint takes priority over the exponential schedule.
func backoff(attempts int, hint, base, ceiling time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	exp := attempts
	if exp > backoffExponentCap {
		exp = backoffExponentCap
	}
	d := base * (1 << exp)
	if d > ceiling {
		d = ceiling
	}
	return d
}
