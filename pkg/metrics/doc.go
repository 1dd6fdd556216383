// Package metrics exposes bridge state as Prometheus metrics.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics
