package registry

import (
	"sort"
	"sync"
)

// Registry maps usn to DeviceRecord and subscription id to Route.
//
// Mutations of one usn must be serialized by the caller, either from the
// discovery worker or while holding Lock(usn).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceRecord
	routes  map[string]Route

	locksMu sync.Mutex
	locks   map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]*DeviceRecord),
		routes:  make(map[string]Route),
		locks:   make(map[string]*keyedLock),
	}
}

// Set stores rec under usn, replacing any previous record.
func (r *Registry) Set(usn string, rec *DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[usn] = rec
}

// Get returns the record for usn.
func (r *Registry) Get(usn string) (*DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.devices[usn]
	return rec, ok
}

// Has reports whether usn has a record.
func (r *Registry) Has(usn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[usn]
	return ok
}

// Delete removes and returns the record for usn.
func (r *Registry) Delete(usn string) (*DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[usn]
	delete(r.devices, usn)
	return rec, ok
}

// All returns every record ordered by usn.
func (r *Registry) All() []*DeviceRecord {
	r.mu.RLock()
	out := make([]*DeviceRecord, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].USN < out[j].USN })
	return out
}

// Count returns the number of devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SubscriptionCount returns the number of routed subscriptions.
func (r *Registry) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// AddRoute indexes sid.
func (r *Registry) AddRoute(sid string, route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[sid] = route
}

// RemoveRoute drops sid from the index.
func (r *Registry) RemoveRoute(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, sid)
}

// MoveRoute re-keys the route of oldSID to newSID.
func (r *Registry) MoveRoute(oldSID, newSID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[oldSID]
	if !ok {
		return false
	}
	delete(r.routes, oldSID)
	r.routes[newSID] = route
	return true
}

// Route returns the device and service owning sid.
func (r *Registry) Route(sid string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[sid]
	return route, ok
}

// Lock acquires the per-usn lock and returns its release function.
func (r *Registry) Lock(usn string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[usn]
	if !ok {
		l = &keyedLock{}
		r.locks[usn] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, usn)
		}
		r.locksMu.Unlock()
	}
}
