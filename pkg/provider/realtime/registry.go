package realtime

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProviderNotRegistered is returned by Registry.Create when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("realtime: provider not registered")

// Credentials is the tenant-scoped provider record handed to factories: the
// provider name plus the free-form configuration mapping (API key, model,
// region, agent id, ...) stored with it.
type Credentials struct {
	// Provider is the registered factory name ("openai", "elevenlabs",
	// "gemini", "pipeline").
	Provider string

	// Config holds provider-specific settings. Factories validate the keys
	// they need and reject records missing required entries.
	Config map[string]string
}

// Get returns a config value, or fallback when the key is absent or empty.
func (c Credentials) Get(key, fallback string) string {
	if v := c.Config[key]; v != "" {
		return v
	}
	return fallback
}

// Factory constructs a Provider from tenant credentials.
type Factory func(creds Credentials) (Provider, error)

// Registry maps provider names to their factories. It is safe for concurrent
// use; registrations under the same name overwrite.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a Provider from creds using the factory registered under
// creds.Provider.
func (r *Registry) Create(creds Credentials) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[creds.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, creds.Provider)
	}
	return factory(creds)
}

// Names returns the registered provider names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
