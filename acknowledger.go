package sqsflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqsflow/metrics"
	"github.com/hatsunemiku3939/sqsflow/policy/failure"
	stypes "github.com/hatsunemiku3939/sqsflow/types"
)

const maxMessageAttributes = 10

// Acknowledger maps a processing Result to the queue action that settles the message.
// Acknowledgment errors are logged and returned but never stop the consumer.
type Acknowledger struct {
	client           SQSClient
	queue            string
	queueURL         string
	deadLetterURL    string
	rejectVisibility time.Duration
	timeout          time.Duration
	policy           failure.Policy
	logger           zerolog.Logger
	metrics          *metrics.Metrics
}

// NewAcknowledger creates an Acknowledger for queue. Only the logging, metrics, failure policy
// and dead-letter options apply.
func NewAcknowledger(client SQSClient, queue stypes.Queue, settings ConsumerSettings, opts ...ConsumerOption) *Acknowledger {
	return newAcknowledger(client, queue, settings.withDefaults(), newConsumerOptions(opts))
}

func newAcknowledger(client SQSClient, queue stypes.Queue, settings ConsumerSettings, o consumerOptions) *Acknowledger {
	policy := o.failurePolicy
	if policy == nil {
		policy = failure.LeaveOnQueue{}
	}
	return &Acknowledger{
		client:           client,
		queue:            queue.Name,
		queueURL:         queue.URL,
		deadLetterURL:    o.deadLetterURL,
		rejectVisibility: settings.RejectVisibilityTimeout,
		timeout:          settings.AckTimeout,
		policy:           policy,
		logger:           o.logger.With().Str("component", "acknowledger").Str("queue", queue.Name).Logger(),
		metrics:          o.metrics,
	}
}

// Acknowledge settles msg according to result. cause is the decode or handler error for failure
// results and is passed to the failure policy.
func (a *Acknowledger) Acknowledge(ctx context.Context, msg Message, result Result, cause error) error {
	// The message has been processed; the ack must go through even while the consumer shuts down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	log := a.logger.With().Str("message_id", msg.ID).Int("receive_count", msg.ReceiveCount).Logger()

	switch result {
	case ResultConsumed:
		if err := a.delete(ctx, msg); err != nil {
			a.metrics.RecordAckError(a.queue, "delete")
			log.Error().Err(err).Msg("failed to delete consumed message")
			return err
		}
		log.Debug().Msg("deleted consumed message")
		return nil

	case ResultRejected:
		if err := a.changeVisibility(ctx, msg, a.rejectVisibility); err != nil {
			a.metrics.RecordAckError(a.queue, "change_visibility")
			log.Error().Err(err).Msg("failed to reset visibility of rejected message")
			return err
		}
		log.Debug().Dur("visibility", a.rejectVisibility).Msg("rejected message")
		return nil

	case ResultParseFailed, ResultHandlerFailed:
		return a.fail(ctx, log, msg, result, cause)

	default:
		return fmt.Errorf("unknown result %d", int(result))
	}
}

func (a *Acknowledger) fail(ctx context.Context, log zerolog.Logger, msg Message, result Result, cause error) error {
	kind := failure.FailHandler
	switch {
	case result == ResultParseFailed:
		kind = failure.FailParse
	case errors.Is(cause, ErrHandlerPanic):
		kind = failure.FailHandlerPanic
	}

	action := a.policy.Decide(ctx, failure.Failure{
		Kind:         kind,
		MessageID:    msg.ID,
		ReceiveCount: msg.ReceiveCount,
		Err:          cause,
	})

	if action == failure.Leave {
		log.Warn().Err(cause).Str("failure", kind.String()).Msg("leaving failed message on queue")
		return nil
	}
	if a.deadLetterURL == "" {
		log.Warn().Err(cause).Str("failure", kind.String()).Msg("dead-letter requested but no dead-letter queue configured; leaving message on queue")
		return nil
	}

	if err := a.deadLetter(ctx, msg, kind); err != nil {
		a.metrics.RecordAckError(a.queue, "dead_letter")
		log.Error().Err(err).Msg("failed to move message to dead-letter queue")
		return err
	}
	if err := a.delete(ctx, msg); err != nil {
		// The copy exists in the dead-letter queue; the original will be redelivered.
		a.metrics.RecordAckError(a.queue, "delete")
		log.Error().Err(err).Msg("failed to delete dead-lettered message")
		return err
	}
	log.Warn().Err(cause).Str("failure", kind.String()).Msg("moved message to dead-letter queue")
	return nil
}

func (a *Acknowledger) delete(ctx context.Context, msg Message) error {
	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

func (a *Acknowledger) changeVisibility(ctx context.Context, msg Message, d time.Duration) error {
	_, err := a.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: seconds(d),
	})
	if err != nil {
		return fmt.Errorf("change visibility of message %s: %w", msg.ID, err)
	}
	return nil
}

func (a *Acknowledger) deadLetter(ctx context.Context, msg Message, kind failure.Kind) error {
	attrs := make(map[string]sqstypes.MessageAttributeValue, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		attrs[k] = stringAttribute(v)
	}
	// SQS accepts at most 10 attributes per message.
	if len(attrs) <= maxMessageAttributes-2 {
		attrs["sqsflow-failure"] = stringAttribute(kind.String())
		attrs["sqsflow-source-message-id"] = stringAttribute(msg.ID)
	}

	_, err := a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(a.deadLetterURL),
		MessageBody:       aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("send message %s to dead-letter queue: %w", msg.ID, err)
	}
	return nil
}

func stringAttribute(v string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
