package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics records session transitions and approval outcomes.
type Metrics struct {
	sessions      prometheus.Gauge
	pending       prometheus.Gauge
	connectTotal  *prometheus.CounterVec
	signTotal     *prometheus.CounterVec
	joinedTotal   prometheus.Counter
	revokeTotal   prometheus.Counter
	approvalDelay *prometheus.HistogramVec
}

// NewMetrics registers session metrics; a nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Number of origins with an active session",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_connect_pending",
			Help: "Number of connection requests awaiting approval",
		}),
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_connect_total",
			Help: "Connection approval outcomes",
		}, []string{"result"}),
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_sign_total",
			Help: "Signing request outcomes",
		}, []string{"result"}),
		joinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_connect_joined_total",
			Help: "Connection requests that joined an in-flight approval",
		}),
		revokeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_revoke_total",
			Help: "Number of revocations",
		}),
		approvalDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_approval_seconds",
			Help:    "Time spent waiting for the user to answer a prompt",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
	}
	reg.MustRegister(m.sessions, m.pending, m.connectTotal, m.signTotal, m.joinedTotal, m.revokeTotal, m.approvalDelay)
	return m
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) incConnect(result string) {
	if m == nil {
		return
	}
	m.connectTotal.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *Metrics) incSign(result string) {
	if m == nil {
		return
	}
	m.signTotal.WithLabelValues(labelOrUnknown(result)).Inc()
}

func (m *Metrics) incJoined() {
	if m == nil {
		return
	}
	m.joinedTotal.Inc()
}

func (m *Metrics) incRevoke() {
	if m == nil {
		return
	}
	m.revokeTotal.Inc()
}

func (m *Metrics) observeApproval(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.approvalDelay.WithLabelValues(labelOrUnknown(kind)).Observe(seconds)
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
