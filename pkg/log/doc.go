// Package log records a machine-readable trace of bridge activity.
//
// The trace is separate from operational logging (zerolog). Every SSDP
// event, GENA subscription change, NOTIFY delivery and bus publish can be
// captured as an Event and later replayed or filtered offline.
//
// # Basic Usage
//
//	// Console: mirror events to the operational logger at debug level
//	tracer := log.NewZerologAdapter(logger)
//
//	// File: append CBOR events to a capture file
//	tracer, _ := log.NewFileLogger("/var/log/upnp-bridge/bridge.btrace")
//
//	// Both, plus an in-memory tail for the console
//	tracer := log.NewMultiLogger(
//	    log.NewZerologAdapter(logger),
//	    fileLogger,
//	    log.NewRing(256),
//	)
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with integer map keys.
// Use NewReader or NewFilteredReader to iterate over them.
package log
