package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the proxy collectors behind nil-tolerant helpers so tests
// can run without a registry.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	frames         *prometheus.CounterVec
	sessionErrors  *prometheus.CounterVec
}

// NewMetrics registers the proxy's collectors. A nil registerer yields nil
// metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roborock_proxy_sessions_active",
			Help: "Current number of intercepted sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roborock_proxy_sessions_total",
			Help: "Total sessions handled since start.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roborock_proxy_frames_total",
			Help: "Frames handled, by outcome (intercepted, passthrough, control).",
		}, []string{"outcome"}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roborock_proxy_session_errors_total",
			Help: "Session teardowns by error class.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.activeSessions, m.sessionTotal, m.frames, m.sessionErrors)
	return m
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) recordFrame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(kind).Inc()
}
