package guard

import "sync"

// Injector gives recovery callbacks access to the surrounding application's
// dependencies. The guard never inspects it.
type Injector interface {
	Get(token any) (any, bool)
}

// Registry is a map-backed Injector. Lookups that miss fall through to the
// parent registry, so per-request registries can layer request values over
// the application-wide ones.
type Registry struct {
	mu     sync.RWMutex
	parent Injector
	values map[any]any
}

// NewRegistry creates an empty root registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[any]any)}
}

// Provide binds value to token and returns the registry for chaining.
func (r *Registry) Provide(token, value any) *Registry {
	r.mu.Lock()
	r.values[token] = value
	r.mu.Unlock()
	return r
}

// Child creates a registry whose misses are resolved by r.
func (r *Registry) Child() *Registry {
	return NewChildRegistry(r)
}

// NewChildRegistry creates a registry layered over any Injector. A nil
// parent yields a root registry.
func NewChildRegistry(parent Injector) *Registry {
	return &Registry{parent: parent, values: make(map[any]any)}
}

// Get implements Injector.
func (r *Registry) Get(token any) (any, bool) {
	r.mu.RLock()
	v, ok := r.values[token]
	r.mu.RUnlock()
	if ok {
		return v, true
	}
	if r.parent != nil {
		return r.parent.Get(token)
	}
	return nil, false
}

// Resolve looks up token and asserts the result to T.
func Resolve[T any](injector Injector, token any) (T, bool) {
	var zero T
	if injector == nil {
		return zero, false
	}
	v, ok := injector.Get(token)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
