package sqsflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	stypes "github.com/hatsunemiku3939/sqsflow/types"
)

// maxPollBackoff caps the delay between failed receive calls.
const maxPollBackoff = 20 * time.Second

// Consumer polls one queue and runs every received message through decode, handle and acknowledge
// with at most Parallelism messages in flight.
type Consumer[T any] struct {
	client      SQSClient
	resolver    stypes.QueueResolver
	settings    ConsumerSettings
	decoder     Decoder[T]
	handler     Handler[T]
	middlewares []Middleware[T]
	opts        consumerOptions
	logger      zerolog.Logger
	backoff     *retry.ExponentialJitterBackoff
}

// NewConsumer validates settings and builds a Consumer. resolver may be nil when WithQueueURL is
// given.
func NewConsumer[T any](client SQSClient, resolver stypes.QueueResolver, settings ConsumerSettings, decoder Decoder[T], handler Handler[T], opts ...ConsumerOption) (*Consumer[T], error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := newConsumerOptions(opts)

	switch {
	case client == nil:
		return nil, fmt.Errorf("%w: SQS client is required", ErrInvalidSettings)
	case decoder == nil:
		return nil, fmt.Errorf("%w: decoder is required", ErrInvalidSettings)
	case handler == nil:
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidSettings)
	case o.queueURL == "" && resolver == nil:
		return nil, fmt.Errorf("%w: queue resolver or queue URL is required", ErrInvalidSettings)
	case o.queueURL == "" && settings.QueueName == "":
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidSettings)
	case o.failurePolicy == nil:
		return nil, fmt.Errorf("%w: failure policy must not be nil", ErrInvalidSettings)
	}

	return &Consumer[T]{
		client:   client,
		resolver: resolver,
		settings: settings,
		decoder:  decoder,
		handler:  handler,
		opts:     o,
		logger:   o.logger.With().Str("component", "consumer").Logger(),
		backoff:  retry.NewExponentialJitterBackoff(maxPollBackoff),
	}, nil
}

// Use appends middlewares around the handler. It must be called before Run.
func (c *Consumer[T]) Use(mws ...Middleware[T]) {
	c.middlewares = append(c.middlewares, mws...)
}

// Settings returns the effective settings after defaults were applied.
func (c *Consumer[T]) Settings() ConsumerSettings { return c.settings }

// Run resolves the queue and polls it until the Limitation is satisfied or ctx is cancelled.
// Messages already received are always processed and acknowledged before Run returns.
// Run returns nil on a clean stop, an ErrQueueResolution error when the queue cannot be resolved,
// and an ErrFatalPoll error when receiving fails in a way retries cannot fix.
func (c *Consumer[T]) Run(ctx context.Context) error {
	queue, err := c.resolve(ctx)
	if err != nil {
		return err
	}

	log := c.logger.With().Str("queue", queue.Name).Logger()
	ack := newAcknowledger(c.client, queue, c.settings, c.opts)
	handler := c.chain()
	lim := c.settings.Limitation.Renew()
	sem := semaphore.NewWeighted(int64(c.settings.Parallelism))

	var (
		wg      sync.WaitGroup
		runErr  error
		attempt int
	)

	log.Info().
		Int("parallelism", c.settings.Parallelism).
		Stringer("limitation", lim).
		Msg("consumer started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("shutdown initiated, no longer polling")
			break
		}
		if lim.ShouldStop() {
			break
		}

		want := lim.Acquire(c.settings.MaxMessages)
		if want == 0 {
			// Every remaining message has been received; wait for the workers to finish them.
			break
		}

		out, err := c.client.ReceiveMessage(ctx, c.receiveInput(queue, want))
		if err != nil {
			lim.Release(want)
			if ctx.Err() != nil {
				break
			}
			if isFatal(err) {
				c.opts.metrics.RecordReceiveError(queue.Name, true)
				log.Error().Err(err).Msg("fatal receive error, stopping")
				runErr = fmt.Errorf("%w: %w", ErrFatalPoll, err)
				break
			}

			c.opts.metrics.RecordReceiveError(queue.Name, false)
			attempt++
			delay, berr := c.backoff.BackoffDelay(attempt, err)
			if berr != nil {
				delay = maxPollBackoff
			}
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("receive failed, retrying")
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}
		attempt = 0

		received := out.Messages
		if len(received) > want {
			// Never process more than was claimed; the surplus becomes visible again.
			log.Warn().Int("requested", want).Int("received", len(received)).Msg("queue returned more messages than requested")
			received = received[:want]
		}
		lim.Release(want - len(received))
		if len(received) == 0 {
			continue
		}
		c.opts.metrics.RecordReceived(queue.Name, len(received))
		log.Debug().Int("count", len(received)).Msg("received messages")

		for _, raw := range received {
			msg, ok := newMessage(raw)
			if !ok {
				lim.Release(1)
				log.Warn().Str("message_id", msg.ID).Msg("dropping message without receipt handle")
				continue
			}

			// Received messages are dispatched even during shutdown, so the acquire ignores ctx.
			if err := sem.Acquire(context.WithoutCancel(ctx), 1); err != nil {
				lim.Release(1)
				continue
			}
			wg.Add(1)
			go func(m Message) {
				defer wg.Done()
				defer sem.Release(1)
				c.process(ctx, queue, ack, handler, m)
				lim.Done()
			}(msg)
		}
	}

	log.Info().Msg("waiting for in-flight messages")
	wg.Wait()
	log.Info().Msg("consumer stopped")
	return runErr
}

func (c *Consumer[T]) resolve(ctx context.Context) (stypes.Queue, error) {
	if c.opts.queueURL != "" {
		name := c.settings.QueueName
		if name == "" {
			name = c.opts.queueURL
		}
		return stypes.Queue{Name: name, URL: c.opts.queueURL}, nil
	}

	q, err := c.resolver.EnsureQueue(ctx, c.settings.QueueName, stypes.WithKMSKeyAlias(c.settings.KMSKeyAlias))
	if err != nil {
		return stypes.Queue{}, fmt.Errorf("%w: %s: %w", ErrQueueResolution, c.settings.QueueName, err)
	}
	if q.URL == "" {
		return stypes.Queue{}, fmt.Errorf("%w: %s: resolver returned no URL", ErrQueueResolution, c.settings.QueueName)
	}
	if q.Name == "" {
		q.Name = c.settings.QueueName
	}
	return q, nil
}

func (c *Consumer[T]) receiveInput(queue stypes.Queue, want int) *sqs.ReceiveMessageInput {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queue.URL),
		MaxNumberOfMessages: int32(want),
		WaitTimeSeconds:     seconds(c.settings.WaitTime),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	}
	if c.settings.VisibilityTimeout > 0 {
		in.VisibilityTimeout = seconds(c.settings.VisibilityTimeout)
	}
	return in
}

func (c *Consumer[T]) chain() Handler[T] {
	h := c.handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// process runs one message through the pipeline. The message context survives cancellation of
// the loop and is bounded by ProcessingTimeout.
func (c *Consumer[T]) process(loopCtx context.Context, queue stypes.Queue, ack *Acknowledger, handler Handler[T], msg Message) Result {
	start := time.Now()
	c.opts.metrics.IncInFlight(queue.Name)
	defer c.opts.metrics.DecInFlight(queue.Name)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(loopCtx), c.settings.ProcessingTimeout)
	defer cancel()

	ctx, span := c.opts.tracer.Start(ctx, "sqsflow.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_sqs"),
			attribute.String("messaging.destination.name", queue.Name),
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("sqsflow.receive_count", msg.ReceiveCount),
		),
	)
	defer span.End()

	result, cause := c.handle(ctx, handler, msg)

	span.SetAttributes(attribute.String("sqsflow.outcome", result.String()))
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}

	_ = ack.Acknowledge(ctx, msg, result, cause)

	took := time.Since(start)
	c.opts.metrics.RecordProcessed(queue.Name, result.String(), took)
	c.logger.Debug().
		Str("queue", queue.Name).
		Str("message_id", msg.ID).
		Str("outcome", result.String()).
		Dur("took", took).
		Msg("message processed")
	return result
}

// handle decodes and dispatches msg. A decoder error yields ResultParseFailed; a handler error or
// panic yields ResultHandlerFailed.
func (c *Consumer[T]) handle(ctx context.Context, handler Handler[T], msg Message) (result Result, err error) {
	payload, err := c.decoder.Decode([]byte(UnwrapEnvelope(msg.Body)))
	if err != nil {
		if !errors.Is(err, ErrDecode) {
			err = fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return ResultParseFailed, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = ResultHandlerFailed
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	res, err := handler(ctx, msg, payload)
	if err != nil {
		return ResultHandlerFailed, err
	}
	switch res {
	case ResultConsumed, ResultRejected:
		return res, nil
	default:
		return ResultHandlerFailed, fmt.Errorf("handler returned %s without an error", res)
	}
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
