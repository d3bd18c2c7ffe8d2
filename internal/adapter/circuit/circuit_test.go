package circuit

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	cfg := Config{FailureRateThreshold: 0.6, MinVolume: 20, Cooldown: 30 * time.Second, MaxSamples: 50}
	return NewRegistry(cfg, clk), clk
}

func TestCircuitStaysClosedBelowVolume(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 19; i++ {
		r.Record("p", false)
	}
	require.Equal(t, StateClosed, r.Status("p"))
	require.True(t, r.Gate("p"))
}

func TestCircuitTripsAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)
	// 15 failures out of 20 samples: rate 0.75 >= 0.6 at minVolume.
	for i := 0; i < 5; i++ {
		r.Record("p", true)
	}
	for i := 0; i < 15; i++ {
		r.Record("p", false)
	}
	require.Equal(t, StateOpen, r.Status("p"))
	// Monotonicity: the very next gate call denies.
	require.False(t, r.Gate("p"))
}

func TestCircuitBelowThresholdStaysClosed(t *testing.T) {
	r, _ := newTestRegistry(t)
	// 11/20 failures = 0.55 < 0.6
	for i := 0; i < 9; i++ {
		r.Record("p", true)
	}
	for i := 0; i < 11; i++ {
		r.Record("p", false)
	}
	require.Equal(t, StateClosed, r.Status("p"))
}

func TestCircuitHalfOpenSingleTrial(t *testing.T) {
	r, clk := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.Record("p", false)
	}
	require.Equal(t, StateOpen, r.Status("p"))

	clk.Advance(30 * time.Second)
	// First gate after cooldown wins the trial slot.
	require.True(t, r.Gate("p"))
	require.Equal(t, StateHalfOpen, r.Status("p"))
	// Second concurrent gate is denied while the trial is in flight.
	require.False(t, r.Gate("p"))
}

func TestCircuitHalfOpenSuccessCloses(t *testing.T) {
	r, clk := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.Record("p", false)
	}
	clk.Advance(30 * time.Second)
	require.True(t, r.Gate("p"))

	r.Record("p", true)
	require.Equal(t, StateClosed, r.Status("p"))
	// Window cleared: old failures do not re-trip the circuit.
	r.Record("p", false)
	require.Equal(t, StateClosed, r.Status("p"))
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	r, clk := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.Record("p", false)
	}
	clk.Advance(30 * time.Second)
	require.True(t, r.Gate("p"))

	r.Record("p", false)
	require.Equal(t, StateOpen, r.Status("p"))
	// Cooldown restarts from the half-open failure.
	clk.Advance(29 * time.Second)
	require.False(t, r.Gate("p"))
	clk.Advance(time.Second)
	require.True(t, r.Gate("p"))
}

func TestAllowedExcludesOpenProviders(t *testing.T) {
	r, clk := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.Record("bad", false)
	}
	keys := []string{"good", "bad"}
	require.Equal(t, []string{"good"}, r.Allowed(keys))

	// After cooldown the provider becomes leasable again for a trial.
	clk.Advance(30 * time.Second)
	require.Equal(t, []string{"good", "bad"}, r.Allowed(keys))
}

func TestCircuitWindowSlides(t *testing.T) {
	r, _ := newTestRegistry(t)
	// Fill the 50-slot window with successes, then 30 failures: rate 0.6.
	for i := 0; i < 50; i++ {
		r.Record("p", true)
	}
	for i := 0; i < 29; i++ {
		r.Record("p", false)
	}
	require.Equal(t, StateClosed, r.Status("p"))
	r.Record("p", false)
	require.Equal(t, StateOpen, r.Status("p"))
}

func TestRegistryIsolatesProviders(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.Record("a", false)
	}
	require.Equal(t, StateOpen, r.Status("a"))
	require.Equal(t, StateClosed, r.Status("b"))
	require.True(t, r.Gate("b"))
}
