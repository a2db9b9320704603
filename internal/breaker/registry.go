package breaker

import (
	"fmt"
	"sync"
)

// Registry is a keyed set of named breakers, one per KV operation class
// (e.g. message ops vs. pub/sub ops), replacing the source's module-level
// CircuitBreakerManager singleton with an explicitly constructed,
// dependency-injected registry (§9 Design Notes).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates an empty registry that builds breakers with cfg when
// first requested by name.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: map[string]*Breaker{}, config: cfg}
}

// Get returns the named breaker, creating it with the registry's default
// config on first use.
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b, nil
	}
	b, err := New(name, r.config)
	if err != nil {
		return nil, fmt.Errorf("creating breaker %q: %w", name, err)
	}
	r.breakers[name] = b
	return b, nil
}

// Remove drops a named breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// List returns the names of every registered breaker.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// AllStats returns a snapshot of every registered breaker's stats, keyed by
// name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	names := make([]string, 0, len(r.breakers))
	for name, b := range r.breakers {
		breakers = append(breakers, b)
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]Stats, len(breakers))
	for i, b := range breakers {
		out[names[i]] = b.Stats()
	}
	return out
}

// ResetAll forces every registered breaker back to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()
	for _, b := range breakers {
		b.Reset()
	}
}
