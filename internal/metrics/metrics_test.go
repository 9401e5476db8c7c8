package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetConnections(3)
	m.EventIngested("queued")
	m.EventIngested("queued")
	m.Delivered("broadcast", 4)
	m.Delivered("broadcast", 0)
	m.HandshakeRejected("invalid_identity")
	m.ConnectionDropped()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsIngested.WithLabelValues("queued")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.deliveries.WithLabelValues("broadcast")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectedHandshakes.WithLabelValues("invalid_identity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.droppedConnections))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnections(1)
		m.EventIngested("x")
		m.Delivered("broadcast", 1)
		m.HandshakeRejected("x")
		m.ConnectionDropped()
	})
}
