// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections        prometheus.Gauge
	eventsIngested     *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	rejectedHandshakes *prometheus.CounterVec
	droppedConnections prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wsrelay",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Authenticated connections currently registered.",
		}),
		eventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsrelay",
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Events accepted by the ingest API.",
			},
			[]string{"event"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsrelay",
				Subsystem: "router",
				Name:      "deliveries_total",
				Help:      "Messages queued to connections, by routing rule.",
			},
			[]string{"rule"},
		),
		rejectedHandshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "wsrelay",
				Subsystem: "session",
				Name:      "rejected_handshakes_total",
				Help:      "Handshakes rejected, by error code.",
			},
			[]string{"code"},
		),
		droppedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wsrelay",
			Subsystem: "hub",
			Name:      "dropped_connections_total",
			Help:      "Connections dropped because their send buffer was full.",
		}),
	}
	reg.MustRegister(m.connections, m.eventsIngested, m.deliveries, m.rejectedHandshakes, m.droppedConnections)
	return m
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) EventIngested(event string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(event).Inc()
}

func (m *Metrics) Delivered(rule string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(rule).Add(float64(n))
}

func (m *Metrics) HandshakeRejected(code string) {
	if m == nil {
		return
	}
	m.rejectedHandshakes.WithLabelValues(code).Inc()
}

func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}
	m.droppedConnections.Inc()
}
