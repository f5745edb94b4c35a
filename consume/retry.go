package consume

import "time"

const (
	// DefaultMaxAttempts is the number of in-process retries after the
	// first delivery of a chunk before it goes to the dead-letter topic.
	DefaultMaxAttempts = 3

	defaultInitialInterval = time.Second
	defaultMultiplier      = 2.0
	defaultMaxInterval     = 10 * time.Second
)

// backoffPolicy computes redelivery intervals:
// interval(n) = min(maxInterval, initial * multiplier^n).
type backoffPolicy struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
}

func defaultBackoff() backoffPolicy {
	return backoffPolicy{
		initial:    defaultInitialInterval,
		multiplier: defaultMultiplier,
		max:        defaultMaxInterval,
	}
}

// interval returns the wait before attempt n+1, where n counts completed
// attempts starting at zero.
func (p backoffPolicy) interval(n int) time.Duration {
	var d = float64(p.initial)
	for i := 0; i < n; i++ {
		d *= p.multiplier
		if d >= float64(p.max) {
			return p.max
		}
	}
	if d > float64(p.max) {
		return p.max
	}
	return time.Duration(d)
}
