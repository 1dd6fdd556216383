package discovery

import (
	"errors"
	"strings"
	"time"
)

// Kind classifies a discovery event.
type Kind uint8

const (
	KindFound Kind = iota
	KindAvailable
	KindUpdate
	KindUnavailable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindAvailable:
		return "available"
	case KindUpdate:
		return "update"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Event is a classified discovery notification for one device.
type Event struct {
	USN      string `json:"usn"`
	Location string `json:"location"`
	Server   string `json:"server,omitempty"`
	Kind     Kind   `json:"kind"`
}

// DNS-SD constants for bridge announcement.
const (
	ServiceTypeBridge = "_upnp-bridge._tcp"
	Domain            = "local"

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys of the bridge announcement.
const (
	TXTKeyBroker   = "broker"
	TXTKeyPrefix   = "prefix"
	TXTKeyID       = "id"
	TXTKeyVersion  = "ver"
	TXTKeyCallback = "cb"
)

// Timing constants.
const (
	// DefaultSearchWait is the M-SEARCH MX value in seconds.
	DefaultSearchWait = 3

	// DefaultMaxAge applies when an alive message carries no max-age.
	DefaultMaxAge = 1800 * time.Second

	// ExpirySweepInterval is how often expired devices are checked.
	ExpirySweepInterval = 30 * time.Second

	// BrowseTimeout is the default DNS-SD browse duration.
	BrowseTimeout = 3 * time.Second
)

// Errors.
var (
	ErrMissingRequired  = errors.New("missing required TXT record")
	ErrInvalidInstance  = errors.New("invalid instance name")
	ErrMonitorStarted   = errors.New("monitor already started")
	ErrAnnouncerStopped = errors.New("announcer stopped")
)

// NormalizeUSN returns the device part of a USN.
func NormalizeUSN(usn string) string {
	usn = strings.TrimSpace(usn)
	if i := strings.Index(usn, "::"); i >= 0 {
		return usn[:i]
	}
	return usn
}
