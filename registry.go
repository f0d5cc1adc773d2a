package twin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry correlates global twin identifiers with the handles of running
// twins. A twin is registered when instantiated and removed when it terminates.
//
// The zero Registry is empty and ready to use. Registry is safe for concurrent
// use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Handle
}

// Add registers h, failing with ErrDuplicateTwin if its identifier is taken.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[h.ID()]; ok {
		return fmt.Errorf("register %s: %w", h.ID(), ErrDuplicateTwin)
	}
	if r.m == nil {
		r.m = make(map[string]*Handle)
	}
	r.m[h.ID()] = h
	return nil
}

// Find looks up the handle of the twin with the given identifier. If there is
// no such twin, Find indicates that by returning ok == false.
func (r *Registry) Find(id string) (h *Handle, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok = r.m[id]
	return h, ok
}

// Remove unregisters the twin with the given identifier, if registered.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// Len returns the number of registered twins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// IDs returns the identifiers of the registered twins, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Handles returns a snapshot of the registered handles in identifier order.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.m))
	for _, h := range r.m {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID() < handles[j].ID() })
	return handles
}
