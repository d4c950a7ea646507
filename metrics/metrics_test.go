package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("sqsflow_test")
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())

	m.RecordReceived("orders", 1)
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "sqsflow_test_messages_received_total", families[0].GetName())
}

func TestMetrics_RecordReceived(t *testing.T) {
	m := NewMetrics("test")

	m.RecordReceived("orders", 3)
	m.RecordReceived("orders", 0)
	m.RecordReceived("orders", 2)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("orders")))
}

func TestMetrics_RecordProcessed(t *testing.T) {
	m := NewMetrics("test")

	m.RecordProcessed("orders", "consumed", 20*time.Millisecond)
	m.RecordProcessed("orders", "consumed", 30*time.Millisecond)
	m.RecordProcessed("orders", "parse_failed", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesProcessed.With(prometheus.Labels{
		"queue":   "orders",
		"outcome": "consumed",
	})))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesProcessed.WithLabelValues("orders", "parse_failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.processingSeconds))
}

func TestMetrics_InFlight(t *testing.T) {
	m := NewMetrics("test")

	m.IncInFlight("orders")
	m.IncInFlight("orders")
	m.DecInFlight("orders")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues("orders")))
}

func TestMetrics_Errors(t *testing.T) {
	m := NewMetrics("test")

	m.RecordReceiveError("orders", false)
	m.RecordReceiveError("orders", true)
	m.RecordAckError("orders", "delete")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiveErrors.WithLabelValues("orders", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receiveErrors.WithLabelValues("orders", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackErrors.WithLabelValues("orders", "delete")))
}

func TestMetrics_RecordBatch(t *testing.T) {
	m := NewMetrics("test")

	m.RecordBatch("queue", 8, 1, 1)
	m.RecordBatch("queue", 1, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchesSent.WithLabelValues("queue")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.entriesPublished.WithLabelValues("queue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entriesFailed.WithLabelValues("queue")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entriesRetried.WithLabelValues("queue")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordReceived("q", 1)
		m.RecordProcessed("q", "consumed", time.Second)
		m.IncInFlight("q")
		m.DecInFlight("q")
		m.RecordReceiveError("q", true)
		m.RecordAckError("q", "delete")
		m.RecordBatch("t", 1, 1, 1)
	})
	assert.Nil(t, m.Registry())
}
