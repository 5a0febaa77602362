package provider

import (
	"fmt"
	"sync"
)

// Registry maps provider names to providers and their webhook secrets.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	secrets   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		secrets:   make(map[string]string),
	}
}

// Register adds a provider. Re-registering a name replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// SetWebhookSecret stores the HMAC secret for a provider's webhooks.
func (r *Registry) SetWebhookSecret(providerName, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[providerName] = secret
}

// WebhookSecret returns the secret configured for a provider, or "".
func (r *Registry) WebhookSecret(providerName string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secrets[providerName]
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	return names
}
