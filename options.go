package sqsflow

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hatsunemiku3939/sqsflow/metrics"
	"github.com/hatsunemiku3939/sqsflow/policy/failure"
)

// ConsumerOption configures a Consumer or Acknowledger at construction time.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	failurePolicy failure.Policy
	deadLetterURL string
	queueURL      string
}

func newConsumerOptions(opts []ConsumerOption) consumerOptions {
	o := consumerOptions{
		logger:        zerolog.Nop(),
		tracer:        noop.NewTracerProvider().Tracer(instrumentationName),
		failurePolicy: failure.LeaveOnQueue{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const instrumentationName = "github.com/hatsunemiku3939/sqsflow"

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) ConsumerOption {
	return func(o *consumerOptions) { o.logger = l }
}

// WithMetrics records consumer metrics on m.
func WithMetrics(m *metrics.Metrics) ConsumerOption {
	return func(o *consumerOptions) { o.metrics = m }
}

// WithTracerProvider starts one span per processed message using tp.
func WithTracerProvider(tp trace.TracerProvider) ConsumerOption {
	return func(o *consumerOptions) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithFailurePolicy sets the policy for decode and handler failures. The default is
// failure.LeaveOnQueue.
func WithFailurePolicy(p failure.Policy) ConsumerOption {
	return func(o *consumerOptions) { o.failurePolicy = p }
}

// WithDeadLetterQueueURL sets the queue that failure.DeadLetter actions send to.
func WithDeadLetterQueueURL(url string) ConsumerOption {
	return func(o *consumerOptions) { o.deadLetterURL = url }
}

// WithQueueURL skips queue resolution and consumes from url directly.
func WithQueueURL(url string) ConsumerOption {
	return func(o *consumerOptions) { o.queueURL = url }
}

// PublisherOption configures a Publisher at construction time.
type PublisherOption func(*publisherOptions)

type publisherOptions struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

func newPublisherOptions(opts []PublisherOption) publisherOptions {
	o := publisherOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPublisherLogger sets the publisher logger. The default discards everything.
func WithPublisherLogger(l zerolog.Logger) PublisherOption {
	return func(o *publisherOptions) { o.logger = l }
}

// WithPublisherMetrics records publisher metrics on m.
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(o *publisherOptions) { o.metrics = m }
}

// WithEntryIDs replaces the UUID generator used for batch entry IDs. IDs must be unique within
// a batch and at most 80 characters.
func WithEntryIDs(fn func() string) PublisherOption {
	return func(o *publisherOptions) { o.newID = fn }
}
