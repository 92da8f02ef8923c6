package bridge

import (
	"time"

	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records bridge traffic. Origins are never used as labels.
type Metrics struct {
	connections     prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	broadcastsTotal prometheus.Counter
}

// NewMetrics registers bridge metrics; a nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_connections_active",
			Help: "Number of connected page contexts",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Requests served, by method and outcome kind",
		}, []string{"method", "outcome"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_dropped_total",
			Help: "Inbound frames dropped without a reply",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Time from request to response",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 120, 300},
		}, []string{"method"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broadcasts_sent_total",
			Help: "accountsChanged frames written to page contexts",
		}),
	}
	reg.MustRegister(m.connections, m.requestsTotal, m.droppedTotal, m.requestDuration, m.broadcastsTotal)
	return m
}

func (m *Metrics) incConnections() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) decConnections() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) observeRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	method = methodLabel(method)
	m.requestsTotal.WithLabelValues(method, labelOrUnknown(outcome)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) incBroadcasts() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

// methodLabel keeps page-chosen method names out of label values
func methodLabel(method string) string {
	if types.IsValidMethod(method) {
		return method
	}
	return "unsupported"
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
