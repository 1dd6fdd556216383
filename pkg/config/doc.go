// Package config loads the bridge configuration.
//
// Configuration is resolved in four steps: built-in defaults, an optional
// YAML file, environment variables, and finally command-line flags applied
// by the caller. Validate is called last.
//
// Example file:
//
//	broker:
//	  kind: mqtt
//	  url: tcp://openwrt:1883
//	  topic_prefix: upnp
//	subscription:
//	  lease: 300s
//	queue:
//	  retry_initial: 1s
//	  retry_max: 60s
//
// Environment variables:
//
//	UPNP_BRIDGE_BROKER         broker URL
//	UPNP_BRIDGE_LOG_LEVEL      log level
//	UPNP_BRIDGE_CALLBACK_HOST  host advertised in GENA CALLBACK headers
package config
