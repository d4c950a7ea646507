// Package metrics exposes Prometheus instrumentation for consumers and publishers.
//
// A nil *Metrics is valid and records nothing, so library code can call the Record methods
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	messagesProcessed *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	inFlight          *prometheus.GaugeVec
	receiveErrors     *prometheus.CounterVec
	ackErrors         *prometheus.CounterVec

	batchesSent      *prometheus.CounterVec
	entriesPublished *prometheus.CounterVec
	entriesFailed    *prometheus.CounterVec
	entriesRetried   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under namespace on a private registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the queue.",
		}, []string{"queue"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages processed, by outcome.",
		}, []string{"queue", "outcome"}),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_processing_seconds",
			Help:      "Time from dispatch to acknowledgment.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Messages currently held by a worker.",
		}, []string{"queue"}),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Failed ReceiveMessage calls.",
		}, []string{"queue", "fatal"}),
		ackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_errors_total",
			Help:      "Failed acknowledgment calls, by action.",
		}, []string{"queue", "action"}),
		batchesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_batches_total",
			Help:      "Batch requests submitted.",
		}, []string{"target"}),
		entriesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_entries_total",
			Help:      "Entries accepted by the service.",
		}, []string{"target"}),
		entriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_entries_failed_total",
			Help:      "Entries that failed permanently.",
		}, []string{"target"}),
		entriesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_entries_retried_total",
			Help:      "Entries queued for another attempt.",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		m.messagesReceived,
		m.messagesProcessed,
		m.processingSeconds,
		m.inFlight,
		m.receiveErrors,
		m.ackErrors,
		m.batchesSent,
		m.entriesPublished,
		m.entriesFailed,
		m.entriesRetried,
	)
	return m
}

// Registry returns the registry the collectors were registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordReceived(queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesReceived.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) RecordProcessed(queue, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesProcessed.WithLabelValues(queue, outcome).Inc()
	m.processingSeconds.WithLabelValues(queue, outcome).Observe(took.Seconds())
}

func (m *Metrics) IncInFlight(queue string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(queue).Inc()
}

func (m *Metrics) DecInFlight(queue string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(queue).Dec()
}

func (m *Metrics) RecordReceiveError(queue string, fatal bool) {
	if m == nil {
		return
	}
	label := "false"
	if fatal {
		label = "true"
	}
	m.receiveErrors.WithLabelValues(queue, label).Inc()
}

func (m *Metrics) RecordAckError(queue, action string) {
	if m == nil {
		return
	}
	m.ackErrors.WithLabelValues(queue, action).Inc()
}

// RecordBatch records one batch request and the number of entries it settled.
func (m *Metrics) RecordBatch(target string, published, failed, retried int) {
	if m == nil {
		return
	}
	m.batchesSent.WithLabelValues(target).Inc()
	if published > 0 {
		m.entriesPublished.WithLabelValues(target).Add(float64(published))
	}
	if failed > 0 {
		m.entriesFailed.WithLabelValues(target).Add(float64(failed))
	}
	if retried > 0 {
		m.entriesRetried.WithLabelValues(target).Add(float64(retried))
	}
}
