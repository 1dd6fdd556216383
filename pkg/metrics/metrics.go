package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "upnp_bridge"

// Failure kinds for the failures counter.
const (
	FailureFetch       = "fetch"
	FailureSubscribe   = "subscribe"
	FailureRenewal     = "renewal"
	FailureUnsubscribe = "unsubscribe"
	FailureFatal       = "fatal"
)

// Metrics holds the bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	devices          prometheus.Gauge
	subscriptions    prometheus.Gauge
	queueDepth       prometheus.Gauge
	retriesScheduled prometheus.Gauge
	notifications    *prometheus.CounterVec
	unrouted         prometheus.Counter
	publishErrors    prometheus.Counter
	failures         *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Number of active devices",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of live GENA subscriptions",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Discovery events waiting to be processed",
		}),
		retriesScheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retries_scheduled",
			Help:      "Discovery events waiting for their retry deadline",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "GENA notifications relayed, by service",
		}, []string{"service_id"}),
		unrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_unrouted_total",
			Help:      "GENA notifications dropped because their SID had no route",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed bus publishes",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Pipeline failures by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.devices,
		m.subscriptions,
		m.queueDepth,
		m.retriesScheduled,
		m.notifications,
		m.unrouted,
		m.publishErrors,
		m.failures,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDevices records the active device count.
func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

// SetSubscriptions records the live subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// SetQueue records queued and scheduled discovery events.
func (m *Metrics) SetQueue(depth, scheduled int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.retriesScheduled.Set(float64(scheduled))
}

// Notification counts a relayed notification.
func (m *Metrics) Notification(serviceID string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(serviceID).Inc()
}

// Unrouted counts a dropped notification.
func (m *Metrics) Unrouted() {
	if m == nil {
		return
	}
	m.unrouted.Inc()
}

// PublishError counts a failed publish.
func (m *Metrics) PublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// Failure counts a pipeline failure of kind.
func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}
