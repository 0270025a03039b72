package coordinator

import (
	"context"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/bluetuith-org/api-devices/api/errorkinds"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds coordinators in registration order. The first coordinator
// matching a name wins.
type Registry struct {
	coordinators []Coordinator
	resolved     *xsync.MapOf[string, Coordinator]

	mu sync.RWMutex
}

// NewRegistry returns a registry holding the given coordinators.
func NewRegistry(coordinators ...Coordinator) *Registry {
	r := &Registry{resolved: xsync.NewMapOf[string, Coordinator]()}
	r.Register(coordinators...)

	return r
}

// Register appends coordinators to the registry.
func (r *Registry) Register(coordinators ...Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range coordinators {
		if c != nil {
			r.coordinators = append(r.coordinators, c)
		}
	}
	r.resolved.Clear()
}

// Coordinators returns the registered coordinators in order.
func (r *Registry) Coordinators() []Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]Coordinator(nil), r.coordinators...)
}

// Lookup returns the coordinator with the given family name.
func (r *Registry) Lookup(family string) (Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.coordinators {
		if c.Name() == family {
			return c, true
		}
	}

	return nil, false
}

// Resolve returns the first coordinator matching the discovered device name.
func (r *Registry) Resolve(name string) (Coordinator, error) {
	if c, ok := r.resolved.Load(name); ok {
		return c, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.coordinators {
		if c.Matches(name) {
			r.resolved.Store(name, c)
			return c, nil
		}
	}

	return nil, fault.Wrap(errorkinds.ErrNoCoordinator,
		fctx.With(fctx.WithMeta(context.Background(), "name", name)),
		ftag.With(ftag.NotFound),
		fmsg.With("No coordinator matches device "+name),
	)
}
