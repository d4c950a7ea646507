package sqsflow

import (
	"fmt"
	"time"

	"github.com/hatsunemiku3939/sqsflow/policy/limit"
)

const (
	defaultWaitTime          = 10 * time.Second
	defaultMaxMessages       = 10
	defaultProcessingTimeout = 30 * time.Second
	defaultAckTimeout        = 5 * time.Second

	maxWaitTime          = 20 * time.Second
	maxVisibilityTimeout = 12 * time.Hour

	maxBatchEntries      = 10
	defaultFlushInterval = time.Second
	defaultMaxBackoff    = 20 * time.Second
	defaultMaxRetries    = 3
)

// ConsumerSettings configures a Consumer. Zero values for optional fields are replaced by defaults
// in withDefaults; Parallelism has no default and must be set.
type ConsumerSettings struct {
	// Parallelism bounds the number of messages processed concurrently. Must be at least 1.
	Parallelism int
	QueueName   string
	// KMSKeyAlias is forwarded to provisioning when the queue is created.
	KMSKeyAlias string
	// WaitTime is the long-polling wait per receive, 0..20s.
	WaitTime time.Duration
	// MaxMessages is the receive batch size, 1..10.
	MaxMessages int
	// VisibilityTimeout overrides the queue's default when non-zero.
	VisibilityTimeout time.Duration
	// RejectVisibilityTimeout is applied to messages the handler rejects. Zero redelivers immediately.
	RejectVisibilityTimeout time.Duration
	ProcessingTimeout       time.Duration
	AckTimeout              time.Duration
	// Limitation is the budget of every Run. Each Run counts against its own copy.
	Limitation *limit.Limitation
}

// DefaultConsumerSettings returns settings with long polling enabled and one worker.
func DefaultConsumerSettings(queueName string) ConsumerSettings {
	return ConsumerSettings{
		Parallelism:       1,
		QueueName:         queueName,
		WaitTime:          defaultWaitTime,
		MaxMessages:       defaultMaxMessages,
		ProcessingTimeout: defaultProcessingTimeout,
		AckTimeout:        defaultAckTimeout,
		Limitation:        limit.Unlimited(),
	}
}

// withDefaults fills optional fields. A zero WaitTime is kept and means short polling.
func (s ConsumerSettings) withDefaults() ConsumerSettings {
	if s.MaxMessages == 0 {
		s.MaxMessages = defaultMaxMessages
	}
	if s.ProcessingTimeout == 0 {
		s.ProcessingTimeout = defaultProcessingTimeout
	}
	if s.AckTimeout == 0 {
		s.AckTimeout = defaultAckTimeout
	}
	if s.Limitation == nil {
		s.Limitation = limit.Unlimited()
	}
	return s
}

// Validate reports the first setting outside its allowed range.
func (s ConsumerSettings) Validate() error {
	switch {
	case s.Parallelism < 1:
		return fmt.Errorf("%w: parallelism must be at least 1, got %d", ErrInvalidSettings, s.Parallelism)
	case s.WaitTime < 0 || s.WaitTime > maxWaitTime:
		return fmt.Errorf("%w: wait time must be between 0 and 20 seconds, got %s", ErrInvalidSettings, s.WaitTime)
	case s.MaxMessages < 1 || s.MaxMessages > maxBatchEntries:
		return fmt.Errorf("%w: max messages must be between 1 and 10, got %d", ErrInvalidSettings, s.MaxMessages)
	case s.VisibilityTimeout < 0 || s.VisibilityTimeout > maxVisibilityTimeout:
		return fmt.Errorf("%w: visibility timeout must be between 0 and 12 hours, got %s", ErrInvalidSettings, s.VisibilityTimeout)
	case s.RejectVisibilityTimeout < 0 || s.RejectVisibilityTimeout > maxVisibilityTimeout:
		return fmt.Errorf("%w: reject visibility timeout must be between 0 and 12 hours, got %s", ErrInvalidSettings, s.RejectVisibilityTimeout)
	case s.ProcessingTimeout < 0:
		return fmt.Errorf("%w: processing timeout must not be negative", ErrInvalidSettings)
	case s.AckTimeout < 0:
		return fmt.Errorf("%w: ack timeout must not be negative", ErrInvalidSettings)
	}
	return nil
}

// PublisherSettings configures a Publisher.
type PublisherSettings struct {
	// MaxBatchSize caps entries per batch request, 1..10.
	MaxBatchSize int
	// Concurrency bounds the number of batch requests in flight. Must be at least 1.
	Concurrency int
	// MaxRetries is the number of additional attempts per failed entry.
	MaxRetries int
	// FlushInterval sends a partial batch when no new input arrived for this long.
	FlushInterval time.Duration
	// MaxBackoff caps the jittered exponential delay before a retry batch is sent.
	MaxBackoff time.Duration
	// RateLimit caps batch submissions per second. Zero disables the limiter.
	RateLimit float64
}

// DefaultPublisherSettings returns settings suitable for most publishers.
func DefaultPublisherSettings() PublisherSettings {
	return PublisherSettings{
		MaxBatchSize:  maxBatchEntries,
		Concurrency:   4,
		MaxRetries:    defaultMaxRetries,
		FlushInterval: defaultFlushInterval,
		MaxBackoff:    defaultMaxBackoff,
	}
}

func (s PublisherSettings) withDefaults() PublisherSettings {
	if s.MaxBatchSize == 0 {
		s.MaxBatchSize = maxBatchEntries
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = defaultFlushInterval
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = defaultMaxBackoff
	}
	return s
}

// Validate reports the first setting outside its allowed range.
func (s PublisherSettings) Validate() error {
	switch {
	case s.MaxBatchSize < 1 || s.MaxBatchSize > maxBatchEntries:
		return fmt.Errorf("%w: max batch size must be between 1 and 10, got %d", ErrInvalidSettings, s.MaxBatchSize)
	case s.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidSettings, s.Concurrency)
	case s.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidSettings, s.MaxRetries)
	case s.FlushInterval < 0:
		return fmt.Errorf("%w: flush interval must not be negative", ErrInvalidSettings)
	case s.MaxBackoff < 0:
		return fmt.Errorf("%w: max backoff must not be negative", ErrInvalidSettings)
	case s.RateLimit < 0:
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidSettings)
	}
	return nil
}

// seconds converts d to the whole seconds the SQS API expects, rounding up so that a sub-second
// value never becomes 0.
func seconds(d time.Duration) int32 {
	return int32((d + time.Second - 1) / time.Second)
}
