// Package logging configures the operational zerolog logger used by every
// bridge component.
//
// Components receive a zerolog.Logger in their constructor and tag it with
// their name:
//
//	logger, err := logging.New(cfg.Log)
//	relayLog := logging.WithComponent(logger, "relay")
//
// Operational logging is separate from the bridge trace (package log), which
// captures a machine-readable CBOR stream of discovery, subscription and
// notification events.
package logging
