package channel

import "time"

// backoffDelay returns the wait before reconnect attempt n (1-based):
// base, 2*base, 4*base, ... capped at max. Attempt counts are unbounded;
// mobile connectivity is expected to be intermittent, so the cap matters
// more than the curve.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
