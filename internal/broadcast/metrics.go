package broadcast

import "github.com/prometheus/client_golang/prometheus"

// Metrics records accountsChanged fan-out.
type Metrics struct {
	subscribers prometheus.Gauge
	published   prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics registers broadcaster metrics; a nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_broadcast_subscribers",
			Help: "Number of page contexts subscribed to accountsChanged",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broadcast_published_total",
			Help: "Number of accountsChanged events published",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broadcast_enqueued_total",
			Help: "Number of events queued for a page context",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_broadcast_dropped_total",
			Help: "Number of events dropped because a page context queue was full",
		}),
	}
	reg.MustRegister(m.subscribers, m.published, m.delivered, m.dropped)
	return m
}

func (m *Metrics) incSubscribers() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) decSubscribers() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) incPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) incDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
