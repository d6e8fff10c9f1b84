package breaker

import (
	"context"
	"sort"
	"sync"
)

// Registry owns exactly one breaker per dependency name. Call sites that share
// a name share the breaker, so one failing dependency trips all of them.
//
// A Registry is constructed explicitly and passed to whatever needs it; there
// is no package-level instance.
type Registry struct {
	defaults Config
	opts     []Option

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry whose breakers default to defaults and are
// built with opts.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		defaults: defaults,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use. cfg overrides the
// registry defaults only when the breaker is created; later calls ignore it.
func (r *Registry) Get(name string, cfg *Config) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	if cfg != nil {
		config = *cfg
	}
	cb := NewCircuitBreaker(name, config, r.opts...)
	r.breakers[name] = cb
	return cb
}

// Remove drops the breaker for name. It reports whether one existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	return true
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}

// AllStats returns a stats snapshot for every breaker keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	for _, cb := range r.snapshot() {
		out[cb.Name()] = cb.Stats()
	}
	return out
}

// ResetAll closes every breaker and clears its statistics.
func (r *Registry) ResetAll() {
	for _, cb := range r.snapshot() {
		cb.Reset()
	}
}

// Wrap returns fn routed through the breaker named name. The breaker is looked up
// on every invocation, so removing it from the registry takes effect immediately.
func (r *Registry) Wrap(name string, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return r.Get(name, nil).Call(ctx, fn)
	}
}

// Protect is Wrap for functions that return a value.
func Protect[T any](r *Registry, name string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Execute(ctx, r.Get(name, nil), fn)
	}
}
