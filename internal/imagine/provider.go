package imagine

import (
	"context"
	"sort"
	"strings"
)

// Provider is the contract every image backend implements. Generate and Edit
// either return a decoded BinaryImage or a typed *Error; they never write
// files and only read the reference/source files named in the request.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*BinaryImage, error)
	Edit(ctx context.Context, req EditRequest) (*BinaryImage, error)
	Supports(c Capability) bool
}

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	r.providers[strings.ToLower(strings.TrimSpace(name))] = p
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns the registered provider names in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
