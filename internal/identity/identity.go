// Package identity holds the local participant id and the set of remote
// participants currently known in the room.
package identity

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry is safe for concurrent use. Only the mesh coordinator mutates the
// known set; everyone else reads snapshots.
type Registry struct {
	self string

	mu    sync.RWMutex
	known map[string]struct{}
}

// New generates a random participant id for this process.
func New() *Registry {
	return WithID(uuid.NewString())
}

// WithID builds a registry around a fixed id.
func WithID(self string) *Registry {
	return &Registry{
		self:  self,
		known: make(map[string]struct{}),
	}
}

func (r *Registry) Self() string { return r.self }

// Add records a remote participant. It reports false for the local id and for
// ids already known.
func (r *Registry) Add(id string) bool {
	if id == "" || id == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[id]; ok {
		return false
	}
	r.known[id] = struct{}{}
	return true
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[id]; !ok {
		return false
	}
	delete(r.known, id)
	return true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[id]
	return ok
}

// Known returns the known remote ids in sorted order.
func (r *Registry) Known() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.known))
	for id := range r.known {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	r.known = make(map[string]struct{})
	r.mu.Unlock()
}
