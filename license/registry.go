package license

import (
	"sync"

	"github.com/google/uuid"

	"41.neocities.org/offline/drm"
)

// Registry selects an Engine by DRM system.
type Registry struct {
	mu      sync.RWMutex
	engines map[uuid.UUID]Engine
	order   []uuid.UUID
}

// NewRegistry returns a registry holding engines, in preference order.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[uuid.UUID]Engine)}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds e, replacing any engine of the same system.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.Scheme()
	if _, ok := r.engines[id]; !ok {
		r.order = append(r.order, id)
	}
	r.engines[id] = e
}

// Lookup returns the engine of a system.
func (r *Registry) Lookup(id uuid.UUID) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	return e, ok
}

// Select returns the engine of the first system in init that has one.
// Scheme-agnostic data is served by the first registered engine.
func (r *Registry) Select(init *drm.InitData) (Engine, bool) {
	if init == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	common := false
	for _, s := range init.Schemes {
		if s.Scheme == drm.Common {
			common = true
			continue
		}
		if e, ok := r.engines[s.Scheme]; ok {
			return e, true
		}
	}
	if common && len(r.order) > 0 {
		return r.engines[r.order[0]], true
	}
	return nil, false
}
