package sqsflow

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Message is a received SQS message as seen by the consumer pipeline.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	// ReceiveCount is the ApproximateReceiveCount system attribute; 0 when the queue did not report it.
	ReceiveCount int
	// Attributes holds string-typed message attributes. Binary attributes are omitted.
	Attributes map[string]string
	SentAt     time.Time
}

// newMessage converts an SDK message. ok is false when the message carries no receipt handle and
// therefore cannot be acknowledged.
func newMessage(m sqstypes.Message) (Message, bool) {
	msg := Message{
		ID:            aws.ToString(m.MessageId),
		Body:          aws.ToString(m.Body),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}
	if msg.ReceiptHandle == "" {
		return msg, false
	}

	if v, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(v)
	}
	if v, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.SentAt = time.UnixMilli(ms)
		}
	}
	if len(m.MessageAttributes) > 0 {
		msg.Attributes = make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			if v.StringValue != nil {
				msg.Attributes[k] = *v.StringValue
			}
		}
	}
	return msg, true
}

// Result is the outcome of processing one message. It determines the acknowledgment action.
type Result int

const (
	// ResultConsumed deletes the message from the queue.
	ResultConsumed Result = iota
	// ResultRejected makes the message visible again after RejectVisibilityTimeout.
	ResultRejected
	// ResultParseFailed is set by the consumer when the decoder fails.
	ResultParseFailed
	// ResultHandlerFailed is set by the consumer when the handler returns an error or panics.
	ResultHandlerFailed
)

func (r Result) String() string {
	switch r {
	case ResultConsumed:
		return "consumed"
	case ResultRejected:
		return "rejected"
	case ResultParseFailed:
		return "parse_failed"
	case ResultHandlerFailed:
		return "handler_failed"
	default:
		return "unknown"
	}
}

// Handler processes one decoded payload. Returning a non-nil error marks the message
// HandlerFailed regardless of the returned Result.
type Handler[T any] func(ctx context.Context, msg Message, payload T) (Result, error)

// Middleware wraps a Handler with cross-cutting behavior such as logging or auditing.
// Middlewares registered first run outermost.
type Middleware[T any] func(next Handler[T]) Handler[T]

// SQSClient is the subset of *sqs.Client used by consumers, acknowledgers and queue publishers.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSBatchClient is the subset of *sqs.Client used by queue publishers.
type SQSBatchClient interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}
