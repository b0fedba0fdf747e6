// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"fmt"
	"sort"
	"sync"

	"axonflow/controlplane/shared/logger"
)

// Registry manages provider client instances. It is thread-safe for
// concurrent access; the request pipeline reads from it on every call while
// admin operations may register or remove providers.
type Registry struct {
	providers map[string]ProviderClient
	logger    *logger.Logger
	mu        sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a custom logger for the registry.
func WithRegistryLogger(log *logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = log
	}
}

// NewRegistry creates a new provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]ProviderClient),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = logger.New("llm-registry")
	}

	return r
}

// Register adds a provider under its Name(). Registering an existing name
// replaces the previous client.
func (r *Registry) Register(p ProviderClient) error {
	if p == nil {
		return fmt.Errorf("cannot register nil provider")
	}
	if p.Name() == "" {
		return fmt.Errorf("cannot register provider with empty name")
	}

	r.mu.Lock()
	_, replaced := r.providers[p.Name()]
	r.providers[p.Name()] = p
	r.mu.Unlock()

	r.logger.Info("", "", "Provider registered", map[string]interface{}{
		"provider": p.Name(),
		"type":     string(p.Type()),
		"replaced": replaced,
	})
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Remove deletes the provider registered under name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.providers, name)
	r.mu.Unlock()
}

// Names returns the sorted names of all registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a snapshot of all registered providers.
func (r *Registry) All() []ProviderClient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]ProviderClient, 0, len(r.providers))
	for _, p := range r.providers {
		clients = append(clients, p)
	}
	return clients
}
