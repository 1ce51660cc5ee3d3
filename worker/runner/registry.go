// Package runner implements the worker's node-execution runner and the
// package-provided handler registry it resolves against (spec.md §4.7's
// "Runner.Execute" + §4.9's package/adapter model). Grounded on
// `original_source/worker/agent/runner/runner.py` (the Runner itself) and
// `original_source/worker/packages/registry.py`'s `AdapterRegistry`
// (package/version/handler-key -> callable resolution), trimmed to drop the
// dynamic-import half (`register` by "module:attr" entrypoint string) since
// this implementation's handlers are compiled in, not loaded from an
// on-disk archive (spec.md §1 Non-goals, §4.9).
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowmesh/core/worker/dispatch"
)

// HandlerFunc is one package-provided node handler. It receives the
// dispatch's execution context and returns a result map shaped like
// Runner.Execute's normalized outcome: status/outputs/metadata/artifacts
// keys, with any other top-level key folded into outputs when the handler
// does not set one explicitly (`Runner.execute`'s outputs-from-leftover-keys
// fallback).
type HandlerFunc func(ctx context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error)

// Descriptor describes one registered handler.
type Descriptor struct {
	Package string
	Version string
	Handler string
	Fn      HandlerFunc
	Metadata map[string]any
}

// Registry is an in-memory map of package-provided handlers, keyed by
// (package, version, handler key), the Go analogue of `AdapterRegistry`.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Descriptor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Descriptor)}
}

func regKey(pkg, version, handler string) string {
	return pkg + "@" + version + ":" + handler
}

// Register adds or replaces a handler for a package version.
func (r *Registry) Register(pkg, version, handlerKey string, fn HandlerFunc, metadata map[string]any) Descriptor {
	d := Descriptor{Package: pkg, Version: version, Handler: handlerKey, Fn: fn, Metadata: metadata}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[regKey(pkg, version, handlerKey)] = d
	return d
}

// Unregister removes every handler registered under a package version.
func (r *Registry) Unregister(pkg, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := pkg + "@" + version + ":"
	for k := range r.handlers {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.handlers, k)
		}
	}
}

// Resolve returns the handler registered for (pkg, version, handlerKey).
func (r *Registry) Resolve(pkg, version, handlerKey string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.handlers[regKey(pkg, version, handlerKey)]
	if !ok {
		return Descriptor{}, fmt.Errorf("runner: handler not registered: %s@%s:%s", pkg, version, handlerKey)
	}
	return d, nil
}

// ListHandlers returns every registered descriptor, sorted by package,
// version, then handler key for stable inspection/logging output.
func (r *Registry) ListHandlers() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.handlers))
	for _, d := range r.handlers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Handler < out[j].Handler
	})
	return out
}
