// Package backend holds the process-wide Backend registry and selector
// (spec §4.2) plus a reference HTTP adapter (§6.1).
package backend

import (
	"context"
	"sync"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// Registry is a process-wide mapping of backend name to adapter, guarded
// by a mutex, mirroring the teacher's handler-registry discipline in
// pkg/queue/queue.go. Registration happens at startup; Select is safe
// under concurrent read access from many step runners.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]core.Backend
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]core.Backend{}}
}

// Register installs b under name, overwriting any previous registration
// under the same name without disturbing its position in insertion order.
func (r *Registry) Register(name string, b core.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = b
}

// Clear removes every registered backend. Intended as a test helper, per
// §9's "a test helper clears it".
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = map[string]core.Backend{}
	r.order = nil
}

// Select implements §4.2's selection rule: an explicit hint fetches that
// backend and fails if it is missing or unhealthy; "auto" or "" iterates
// registered backends in insertion order and returns the first healthy
// one.
func (r *Registry) Select(ctx context.Context, hint string) (core.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" && hint != "auto" {
		b, ok := r.byName[hint]
		if !ok {
			return nil, &core.BackendUnavailableError{Backend: hint, Reason: "not registered"}
		}
		if !b.IsHealthy(ctx) {
			return nil, &core.BackendUnavailableError{Backend: hint, Reason: "health probe failed"}
		}
		return b, nil
	}

	for _, name := range r.order {
		b := r.byName[name]
		if b.IsHealthy(ctx) {
			return b, nil
		}
	}
	return nil, &core.BackendUnavailableError{Backend: "auto", Reason: "no healthy backend registered"}
}

// Names returns registered backend names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Default is the process-wide registry used by the package-level helpers
// below, for the common case of a single registry per process (matching
// the teacher's package-level jobs.Register convenience function).
var Default = NewRegistry()

func Register(name string, b core.Backend)               { Default.Register(name, b) }
func Clear()                                              { Default.Clear() }
func Select(ctx context.Context, hint string) (core.Backend, error) { return Default.Select(ctx, hint) }
