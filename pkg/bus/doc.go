// Package bus publishes bridge messages to a message broker.
//
// Two transports are provided: MQTT (paho) and NATS. Topics use MQTT
// syntax, e.g. upnp/<UDN>/<serviceId>; the NATS publisher maps them to
// subjects.
package bus
