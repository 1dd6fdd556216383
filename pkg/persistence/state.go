package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// StateFileName is the state file name inside the state directory.
const StateFileName = "bridge-state.json"

// BridgeState contains the runtime state of a bridge.
type BridgeState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// InstanceID identifies this bridge across restarts.
	InstanceID string `json:"instance_id,omitempty"`

	// Devices contains the devices that were active when saved.
	Devices []KnownDevice `json:"devices,omitempty"`
}

// KnownDevice is a device the bridge had subscribed to.
type KnownDevice struct {
	// USN is the device part of the SSDP unique service name.
	USN string `json:"usn"`

	// Location is the description URL.
	Location string `json:"location"`

	// Server is the SSDP SERVER header.
	Server string `json:"server,omitempty"`

	// UDN is the device UDN from its description.
	UDN string `json:"udn,omitempty"`

	// FriendlyName is the device's friendly name.
	FriendlyName string `json:"friendly_name,omitempty"`

	// LastSeenAt is when the device was last active.
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// StateStore manages persistence of bridge state to a JSON file.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a state store writing to path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// NewStateStoreInDir creates a state store for StateFileName in dir.
func NewStateStoreInDir(dir string) *StateStore {
	return NewStateStore(filepath.Join(dir, StateFileName))
}

// Path returns the state file path.
func (s *StateStore) Path() string {
	return s.path
}

// Save persists the state to disk. Devices are written in USN order.
func (s *StateStore) Save(state *BridgeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
	sort.Slice(state.Devices, func(i, j int) bool {
		return state.Devices[i].USN < state.Devices[j].USN
	})

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write to a temp file first so a crash never leaves a torn state file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *StateStore) Load() (*BridgeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &BridgeState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
