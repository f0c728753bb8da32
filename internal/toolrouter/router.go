package toolrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loveme/daemon/internal/domain"
)

// Router registers tool descriptors from several providers and dispatches
// calls by name (spec §4.1). The registration table is guarded by a short
// exclusive lock; Invoke itself takes no lock of its own once it has
// resolved which provider owns the call, so concurrent invocations never
// serialize against each other here.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider               // providerName -> provider
	tools     map[string]domain.ToolDescriptor  // toolName -> descriptor
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		providers: make(map[string]Provider),
		tools:     make(map[string]domain.ToolDescriptor),
	}
}

// Register queries provider for its current tool list and adds it (and its
// tools) to the registry. Called once per provider at startup; a provider
// registered twice under the same name replaces its prior tool set.
func (r *Router) Register(ctx context.Context, provider Provider) error {
	descriptors, err := provider.Tools(ctx)
	if err != nil {
		return fmt.Errorf("toolrouter: register provider %q: %w", provider.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[provider.Name()] = provider
	for _, d := range descriptors {
		d.ProviderName = provider.Name()
		r.tools[d.Name] = d
	}
	return nil
}

// ExpertInstructor is optionally implemented by a Provider that wants to
// contribute a blob of provider-specific guidance to the LLM Turn
// Coordinator's system prompt (spec §4.10 step 2) — e.g. the email
// provider explaining that its send tool delivers plain text only.
// Providers that don't implement it are silently skipped.
type ExpertInstructor interface {
	ExpertInstructions() string
}

// ExpertInstructions returns the non-empty instruction blobs contributed by
// every currently-registered provider that implements ExpertInstructor,
// ordered by provider name for determinism.
func (r *Router) ExpertInstructions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var blobs []string
	for _, name := range names {
		ei, ok := r.providers[name].(ExpertInstructor)
		if !ok {
			continue
		}
		if blob := ei.ExpertInstructions(); blob != "" {
			blobs = append(blobs, blob)
		}
	}
	return blobs
}

// List returns every registered tool descriptor.
func (r *Router) List() []domain.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// LookupProvider returns the provider name registered for tool name.
func (r *Router) LookupProvider(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return d.ProviderName, true
}

// Invoke dispatches name to its owning provider. An unknown tool name, or
// any provider-side failure, comes back as isError=true with a
// human-readable message rather than an error return; Invoke never returns
// a non-nil error, so callers check the result's IsError flag.
func (r *Router) Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	var provider Provider
	if ok {
		provider = r.providers[d.ProviderName]
	}
	r.mu.RUnlock()

	if !ok || provider == nil {
		return domain.ToolResult{IsError: true, Content: fmt.Sprintf("unknown tool %q", name)}, nil
	}

	result, err := provider.Invoke(ctx, name, argumentsJSON)
	if err != nil {
		return domain.ToolResult{IsError: true, Content: err.Error()}, nil
	}
	return result, nil
}
