package discovery

import (
	"sort"
	"sync"
	"time"
)

type sighting struct {
	location string
	server   string
	expires  time.Time
}

// Classifier turns raw SSDP messages into discovery events. It is safe
// for concurrent use.
type Classifier struct {
	mu    sync.Mutex
	known map[string]sighting
}

// NewClassifier returns an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{known: make(map[string]sighting)}
}

// Alive classifies an alive or search response. It returns false when the
// message carries no location.
func (c *Classifier) Alive(usn, location, server string, maxAge time.Duration, now time.Time) (Event, bool) {
	usn = NormalizeUSN(usn)
	if usn == "" || location == "" {
		return Event{}, false
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kind := KindFound
	if prev, ok := c.known[usn]; ok {
		kind = KindAvailable
		if prev.location != location {
			kind = KindUpdate
		}
	}
	c.known[usn] = sighting{location: location, server: server, expires: now.Add(maxAge)}

	return Event{USN: usn, Location: location, Server: server, Kind: kind}, true
}

// Bye classifies a byebye. Unknown devices yield false.
func (c *Classifier) Bye(usn string) (Event, bool) {
	usn = NormalizeUSN(usn)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.known[usn]
	if !ok {
		return Event{}, false
	}
	delete(c.known, usn)
	return Event{USN: usn, Location: prev.location, Server: prev.server, Kind: KindUnavailable}, true
}

// Expire returns Unavailable events for devices whose max-age elapsed, in
// USN order, and forgets them.
func (c *Classifier) Expire(now time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for usn, s := range c.known {
		if now.After(s.expires) {
			out = append(out, Event{USN: usn, Location: s.location, Server: s.server, Kind: KindUnavailable})
			delete(c.known, usn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].USN < out[j].USN })
	return out
}

// Forget drops usn so its next alive is classified as Found.
func (c *Classifier) Forget(usn string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.known, NormalizeUSN(usn))
}

// Len returns the number of known devices.
func (c *Classifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.known)
}
