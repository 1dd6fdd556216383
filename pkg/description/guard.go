package description

import "sync"

// Guard is the set of locations that are being fetched or back an active
// device. It is safe for concurrent use.
type Guard struct {
	mu        sync.Mutex
	locations map[string]struct{}
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{locations: make(map[string]struct{})}
}

// TryAcquire adds location and reports whether it was absent.
func (g *Guard) TryAcquire(location string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.locations[location]; ok {
		return false
	}
	g.locations[location] = struct{}{}
	return true
}

// Release removes location. Releasing an absent location is a no-op.
func (g *Guard) Release(location string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locations, location)
}

// Has reports whether location is guarded.
func (g *Guard) Has(location string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.locations[location]
	return ok
}

// Len returns the number of guarded locations.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locations)
}
