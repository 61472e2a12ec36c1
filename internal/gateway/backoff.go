package gateway

import (
	"math"
	"time"
)

// Backoff doubles the delay each retry: min(Initial * 2^(attempt-1), Max).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

// Wait returns the delay before retry attempt n, stretched to a server's
// Retry-After hint but never past Max.
func (b Backoff) Wait(attempt int, hint time.Duration) time.Duration {
	d := b.Delay(attempt)
	if hint > d {
		d = hint
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
