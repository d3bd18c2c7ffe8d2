package domain

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry visibility delays for failed attempts:
// min(cap, base * 2^(attempts-1)) scaled by uniform jitter in [0.5, 1.5).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff matches the documented defaults: 2s base, 5 minute cap.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute}
}

// Delay returns the backoff for the given completed attempt count (1-based).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	capAt := b.Cap
	if capAt <= 0 {
		capAt = 5 * time.Minute
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(capAt) {
		d = float64(capAt)
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(d * jitter)
}
