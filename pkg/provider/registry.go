// Package provider contains in-process provider implementations and the
// registry that maps resource types to them. A resource type's provider is
// named by the prefix before the first underscore, so sim_table belongs to
// the sim provider.
package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loom-iac/loom/pkg/engine"
)

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]engine.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]engine.Provider),
	}
}

// Register adds a provider, replacing any previous provider with the same name.
func (r *Registry) Register(p engine.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// ProviderFor returns the provider owning resType.
func (r *Registry) ProviderFor(resType string) (engine.Provider, error) {
	name, _, found := strings.Cut(resType, "_")
	if !found || name == "" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource type %q has no provider prefix", resType), nil,
		).WithCode(engine.ErrCodeValidation)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no provider registered for resource type %q", resType), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
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

// Default returns a registry with the built-in providers registered.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewSimProvider())
	return r
}
