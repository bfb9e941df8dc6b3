package provider

import (
	"sort"
	"strings"
)

// Registry holds the adapters that were configured at startup. It is
// immutable after construction; gateways with missing credentials are
// simply never registered.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	items := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		items[strings.ToLower(p.Name())] = p
	}
	return &Registry{providers: items}
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrProviderNotConfigured
	}
	return p, nil
}

func (r *Registry) IsAvailable(name string) bool {
	_, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
