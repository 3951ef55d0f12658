package device

import (
	"sort"
	"sync"
)

// Registry tracks live passthrough grants by ID so a later release
// request can find the handle that owns the rebind-back action.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*BoundDevice
}

// NewRegistry creates an empty grant registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*BoundDevice)}
}

// Add records a live grant under the given ID.
func (r *Registry) Add(id string, d *BoundDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = d
}

// Get returns the grant registered under id, if any.
func (r *Registry) Get(id string) (*BoundDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// Remove deletes the grant registered under id and returns it.
func (r *Registry) Remove(id string) (*BoundDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return d, ok
}

// IDs returns the registered grant IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReleaseAll releases every registered grant and empties the registry.
// Used on daemon shutdown so no device is left on the passthrough
// driver with nobody owning the restore.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]*BoundDevice)
	r.mu.Unlock()

	for _, d := range devices {
		d.Release()
	}
}
