// Package circuit implements the per-provider health gate: a sliding window
// of recent outcomes drives closed/open/half-open transitions.
//
// The window is process-local. Gating is an optimization for lease selection,
// not a correctness gate for settlement, so cross-process divergence is
// acceptable.
package circuit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
)

// State represents the state of a provider circuit.
type State int

const (
	// StateClosed means calls pass and outcomes are sampled.
	StateClosed State = iota
	// StateOpen means the provider is disabled until the cooldown lapses.
	StateOpen
	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a provider circuit.
type Config struct {
	FailureRateThreshold float64
	MinVolume            int
	Cooldown             time.Duration
	MaxSamples           int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{FailureRateThreshold: 0.6, MinVolume: 20, Cooldown: 30 * time.Second, MaxSamples: 50}
}

// Breaker is a single provider's circuit.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock
	key string

	state         State
	openedAt      time.Time
	trialInFlight bool

	// ring buffer of recent outcomes; true = failure
	window []bool
	next   int
	filled int
}

func newBreaker(key string, cfg Config, clk clock.Clock) *Breaker {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	if cfg.MinVolume <= 0 {
		cfg.MinVolume = DefaultConfig().MinVolume
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = DefaultConfig().FailureRateThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{cfg: cfg, clk: clk, key: key, state: StateClosed, window: make([]bool, cfg.MaxSamples)}
}

// Gate reports whether a call may proceed. In half-open, only the first
// caller wins the single trial slot; Record releases it.
func (b *Breaker) Gate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// Record samples an outcome and drives state transitions.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.reset()
			b.transition(StateClosed)
		} else {
			b.openedAt = b.clk.Now()
			b.transition(StateOpen)
		}
		return
	case StateOpen:
		// Late settlement from before the trip; sample it but stay open.
		b.sample(!success)
		return
	}

	b.sample(!success)
	if b.filled >= b.cfg.MinVolume && b.failureRate() >= b.cfg.FailureRateThreshold {
		b.openedAt = b.clk.Now()
		b.transition(StateOpen)
	}
}

// Status returns the current state without side effects.
func (b *Breaker) Status() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) sample(failure bool) {
	b.window[b.next] = failure
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *Breaker) reset() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next = 0
	b.filled = 0
	b.trialInFlight = false
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	slog.Info("provider circuit transition",
		slog.String("provider", b.key),
		slog.String("from", b.state.String()),
		slog.String("to", to.String()))
	b.state = to
	observability.CircuitState.WithLabelValues(b.key).Set(float64(to))
}

// Registry holds one breaker per provider key, created on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry with shared per-provider tuning.
func NewRegistry(cfg Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{cfg: cfg, clk: clk, breakers: make(map[string]*Breaker)}
}

func (r *Registry) breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newBreaker(key, r.cfg, r.clk)
		r.breakers[key] = b
	}
	return b
}

// Gate reports whether providerKey may receive a call right now.
func (r *Registry) Gate(providerKey string) bool { return r.breaker(providerKey).Gate() }

// Record samples a settlement outcome for providerKey.
func (r *Registry) Record(providerKey string, success bool) {
	r.breaker(providerKey).Record(success)
}

// Status returns the current state for providerKey.
func (r *Registry) Status(providerKey string) State { return r.breaker(providerKey).Status() }

// Allowed filters keys down to providers whose circuit is not open. It does
// not consume the half-open trial slot; Gate does that at call time.
func (r *Registry) Allowed(providerKeys []string) []string {
	out := make([]string, 0, len(providerKeys))
	for _, key := range providerKeys {
		if r.breaker(key).Status() != StateOpen || r.cooldownLapsed(key) {
			out = append(out, key)
		}
	}
	return out
}

func (r *Registry) cooldownLapsed(key string) bool {
	b := r.breaker(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.clk.Now().Sub(b.openedAt) >= b.cfg.Cooldown
}
