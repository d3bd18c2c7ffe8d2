package domain

import (
	"testing"
	"time"
)

func TestBackoffDelayEnvelope(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute}
	for attempts := 1; attempts <= 10; attempts++ {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempts)
			raw := time.Duration(float64(2*time.Second) * float64(int(1)<<uint(attempts-1)))
			if raw > 5*time.Minute {
				raw = 5 * time.Minute
			}
			min := time.Duration(float64(raw) * 0.5)
			max := time.Duration(float64(raw) * 1.5)
			if d < min || d > max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempts, d, min, max)
			}
		}
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute}
	// 2s * 2^19 is far beyond the cap; jitter may still scale up to 1.5x.
	d := b.Delay(20)
	if d > time.Duration(float64(5*time.Minute)*1.5) {
		t.Fatalf("capped delay too large: %v", d)
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var b Backoff
	if d := b.Delay(1); d <= 0 {
		t.Fatalf("zero-value backoff produced %v", d)
	}
}

func TestBackoffClampsAttempts(t *testing.T) {
	b := DefaultBackoff()
	if d := b.Delay(0); d <= 0 {
		t.Fatalf("attempt 0 produced %v", d)
	}
}
