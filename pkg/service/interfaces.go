package service

import (
	"github.com/mash-protocol/upnp-bridge/pkg/persistence"
	"github.com/mash-protocol/upnp-bridge/pkg/queue"
)

// StateStore persists known devices. It is satisfied by
// *persistence.StateStore.
type StateStore interface {
	Save(state *persistence.BridgeState) error
	Load() (*persistence.BridgeState, error)
}

// Compile-time checks.
var (
	_ StateStore      = (*persistence.StateStore)(nil)
	_ queue.Processor = (*BridgeService)(nil)
)
