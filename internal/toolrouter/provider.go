// Package toolrouter implements the daemon's Tool Router (spec C1):
// providers register named tools; the Router dispatches invocations to
// whichever provider owns that name, shared read-mostly so concurrent
// invocations never contend on a single global lock — only the
// registration table itself is guarded.
package toolrouter

import (
	"context"
	"encoding/json"

	"github.com/loveme/daemon/internal/domain"
)

// Provider is one pluggable source of tools: an external subprocess, the
// built-in email tools, or a script tool.
type Provider interface {
	// Name identifies this provider instance in ToolDescriptor.ProviderName.
	Name() string
	// Tools returns the descriptors this provider currently exposes. Called
	// once at registration time and cached by the Router.
	Tools(ctx context.Context) ([]domain.ToolDescriptor, error)
	// Invoke calls the named tool with its raw JSON arguments. Providers
	// never panic on failure; they return isError=true with a message.
	Invoke(ctx context.Context, name string, argumentsJSON json.RawMessage) (domain.ToolResult, error)
}
