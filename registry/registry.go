// Package registry implements the process-wide binder registry: a
// collection of every live local and remote binder, queryable by
// connection. It holds no knowledge of the concrete binder types —
// the binder and remote packages add the type-specific queries
// (remoteOfType<I>, callMany) on top of Snapshot/AllForConnection,
// since a generic query over a concrete binder type here would need to
// import the binder/remote packages, which themselves import registry
// to self-register. See DESIGN.md.
package registry

import (
	"sync"

	"github.com/valoni/websocket-rpc/wsrpc"
)

// A Registry is a concurrency-safe collection of binders. The zero
// value is not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	binders map[wsrpc.Binder]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{binders: make(map[wsrpc.Binder]struct{})}
}

// Default is the process-wide registry used when application code has
// no reason to scope bindings to a narrower collection.
var Default = New()

// Register adds b to the registry. Registering the same binder twice
// is a no-op.
func (r *Registry) Register(b wsrpc.Binder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.binders[b] = struct{}{}
}

// Unregister removes b from the registry.
func (r *Registry) Unregister(b wsrpc.Binder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.binders, b)
}

// Snapshot returns a point-in-time copy of every registered binder,
// safe to range over while registration continues concurrently on
// other goroutines.
func (r *Registry) Snapshot() []wsrpc.Binder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wsrpc.Binder, 0, len(r.binders))
	for b := range r.binders {
		out = append(out, b)
	}
	return out
}

// AllForConnection returns every binder, of either direction,
// registered against c.
func (r *Registry) AllForConnection(c *wsrpc.Connection) []wsrpc.Binder {
	var out []wsrpc.Binder
	for _, b := range r.Snapshot() {
		if b.Connection() == c {
			out = append(out, b)
		}
	}
	return out
}
