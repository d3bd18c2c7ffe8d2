// Package provider implements generation backend adapters behind the
// unified start/poll/cancel contract.
package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Registry maps provider keys to adapters. Registration happens at wiring
// time; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.ProviderAdapter
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.ProviderAdapter)}
}

// Register binds a provider key to an adapter, replacing any previous binding.
func (r *Registry) Register(key string, a domain.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key] = a
}

// Get returns the adapter for key.
func (r *Registry) Get(key string) (domain.ProviderAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("op=provider.get: %w: unknown provider %q", domain.ErrInvalidRequest, key)
	}
	return a, nil
}

// Keys returns all registered provider keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
