package backend

import (
	"errors"
	"fmt"
	"sync"
)

// Registry manages conversion engine instances by provider.
type Registry struct {
	engines map[BackendProvider]Engine
	mu      sync.RWMutex
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[BackendProvider]Engine),
	}
}

// Register adds an engine to the registry.
func (r *Registry) Register(e Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[e.Provider()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.Provider())
	}

	r.engines[e.Provider()] = e
	return nil
}

// Get retrieves an engine by provider.
func (r *Registry) Get(provider BackendProvider) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, provider)
	}

	return e, nil
}

// Providers returns the registered providers.
func (r *Registry) Providers() []BackendProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendProvider, 0, len(r.engines))
	for p := range r.engines {
		out = append(out, p)
	}

	return out
}

// Close closes all registered engines and returns every error encountered.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, e := range r.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.engines = make(map[BackendProvider]Engine)

	return errors.Join(errs...)
}
