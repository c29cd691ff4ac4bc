package ingest

import "time"

// Backoff defines reconnect delays: Min * Factor^(attempt-1), capped at Max.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

func DefaultBackoff() Backoff {
	return Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max < min {
		max = min
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := min
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * factor)
		if wait >= max {
			return max
		}
	}
	return wait
}
