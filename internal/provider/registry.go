package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds registered providers keyed by normalized platform id.
// It is safe for concurrent use; a Register is visible to every
// subsequent Get from any goroutine.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: map[string]Provider{},
	}
}

// Register adds a provider, replacing any previous registration for the
// same platform id.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	id := normalizePlatformID(p.PlatformID())
	if id == "" {
		return fmt.Errorf("platform id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Unregister removes a platform from the registry. It returns false when
// the platform was never registered.
func (r *Registry) Unregister(platformID string) bool {
	id := normalizePlatformID(platformID)
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; !exists {
		return false
	}
	delete(r.providers, id)
	return true
}

// Get returns the provider for the given platform id.
func (r *Registry) Get(platformID string) (Provider, bool) {
	id := normalizePlatformID(platformID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Has reports whether a provider is registered for the platform id.
func (r *Registry) Has(platformID string) bool {
	_, ok := r.Get(platformID)
	return ok
}

// List returns all registered providers.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		items = append(items, p)
	}
	return items
}

// PlatformIDs returns the registered platform ids, sorted.
func (r *Registry) PlatformIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetConfigWatcher returns the ConfigWatcher for the platform id if the
// registered provider implements it.
func (r *Registry) GetConfigWatcher(platformID string) (ConfigWatcher, bool) {
	p, ok := r.Get(platformID)
	if !ok {
		return nil, false
	}
	watcher, ok := p.(ConfigWatcher)
	return watcher, ok
}

func normalizePlatformID(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}
