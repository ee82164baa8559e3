package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/readaloud/internal/prefs"
	"github.com/MrWong99/readaloud/internal/speech"
)

// ErrNotRegistered is returned by the Create methods when no factory was
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// EngineFactory builds a speech engine. A nil engine without error means
// speech synthesis is unavailable on this host.
type EngineFactory func(cfg SpeechConfig) (speech.Engine, error)

// BackendFactory builds a preference backend. Backends that hold resources
// implement io.Closer.
type BackendFactory func(ctx context.Context, cfg StoreConfig) (prefs.Backend, error)

// Registry maps component names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	engines  map[string]EngineFactory
	backends map[Backend]BackendFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		engines:  make(map[string]EngineFactory),
		backends: make(map[Backend]BackendFactory),
	}
}

// RegisterEngine registers a speech engine factory under name, replacing
// any previous registration.
func (r *Registry) RegisterEngine(name string, f EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = f
}

// RegisterBackend registers a preference backend factory under name.
func (r *Registry) RegisterBackend(name Backend, f BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = f
}

// CreateEngine builds the engine named by cfg.
func (r *Registry) CreateEngine(cfg SpeechConfig) (speech.Engine, error) {
	name := cfg.EngineName()
	r.mu.RLock()
	f, ok := r.engines[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrNotRegistered, name)
	}
	return f(cfg)
}

// CreateBackend builds the backend named by cfg.
func (r *Registry) CreateBackend(ctx context.Context, cfg StoreConfig) (prefs.Backend, error) {
	name := cfg.BackendName()
	r.mu.RLock()
	f, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrNotRegistered, name)
	}
	return f(ctx, cfg)
}

// Engines returns the registered engine names, sorted.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Backend, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
