package heartbeat

import "github.com/prometheus/client_golang/prometheus"

type responderMetrics struct {
	probes    *prometheus.CounterVec
	malformed prometheus.Counter
	tcpConns  prometheus.Gauge
}

// NewMetrics registers the responder's collectors. A nil registerer yields
// nil metrics; every helper tolerates that so tests can skip registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{inner: responderMetrics{
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roborock_heartbeat_probes_total",
			Help: "Heartbeat probes received, by classification and transport.",
		}, []string{"kind", "transport"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roborock_heartbeat_malformed_total",
			Help: "Heartbeat packets dropped as malformed.",
		}),
		tcpConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roborock_heartbeat_tcp_connections",
			Help: "Open heartbeat TCP connections.",
		}),
	}}
	reg.MustRegister(m.inner.probes, m.inner.malformed, m.inner.tcpConns)
	return m
}

// Metrics wraps the responder collectors behind nil-tolerant helpers.
type Metrics struct {
	inner responderMetrics
}

func (m *Metrics) recordProbe(kind, transport string) {
	if m == nil {
		return
	}
	m.inner.probes.WithLabelValues(kind, transport).Inc()
}

func (m *Metrics) recordMalformed() {
	if m == nil {
		return
	}
	m.inner.malformed.Inc()
}

func (m *Metrics) incConn() {
	if m == nil {
		return
	}
	m.inner.tcpConns.Inc()
}

func (m *Metrics) decConn() {
	if m == nil {
		return
	}
	m.inner.tcpConns.Dec()
}
