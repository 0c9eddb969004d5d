// Package backend defines the uniform connector interface every upstream
// wire protocol implements (spec §4.E), and the explicit registry that
// resolves a backend name to its connector. Unlike the teacher's
// pkg/registry (a package-level global singleton), this Registry is a
// plain value passed down from the composition root — spec's design notes
// call out "module-level mutable state" as a pattern requiring
// re-architecture, so no global here.
package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymesh/llmproxy/internal/canonical"
)

// CallOptions carries per-call overrides the backend service resolves
// before invoking a connector: the effective model (after any connector
// rewriting), an API key name/value for rotation, and a base-URL override.
type CallOptions struct {
	KeyName    string
	APIKey     string
	BaseURL    string // "" uses the connector's default
	RequestID  string
	SessionID  string
}

// Connector is the uniform interface every upstream wire protocol
// implements. ChatCompletions returns either a *canonical.Response
// (non-streaming) or a canonical.StreamIter (streaming) — never both.
type Connector interface {
	Name() string
	ChatCompletions(ctx context.Context, req canonical.Request, opts CallOptions) (*canonical.Response, canonical.StreamIter, error)
	ListModels(ctx context.Context) ([]string, error)
}

// Registry resolves a backend name to its Connector, and tracks the
// registered API keys for each backend (for key-rotation policies and for
// the redaction middleware's "registered API key" substring list).
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	keys       map[string][]string // backend -> ordered key values
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: map[string]Connector{},
		keys:       map[string][]string{},
	}
}

// Register adds a connector under name.
func (r *Registry) Register(name string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[name] = c
}

// RegisterKeys records the ordered API keys available for a backend, used
// by the "k"/"km"/"mk" key-rotation policies.
func (r *Registry) RegisterKeys(backend string, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[backend] = append([]string(nil), keys...)
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("backend: no connector registered for %q", name)
	}
	return c, nil
}

// Keys returns the registered API keys for backend, in registration order.
func (r *Registry) Keys(backend string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.keys[backend]...)
}

// AllKeys returns every registered API key across every backend, for the
// redaction middleware.
func (r *Registry) AllKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, ks := range r.keys {
		out = append(out, ks...)
	}
	return out
}

// Names returns every registered backend name, for the /v1/models
// aggregation endpoint.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// ParseBackendModel splits a "backend:model" string. ok is false if model
// has no colon.
func ParseBackendModel(s string) (backendName, model string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
