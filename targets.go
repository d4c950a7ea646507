package sqsflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

// SNSClient is the subset of *sns.Client used by topic publishers.
type SNSClient interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// NewQueuePublisher creates a Publisher that sends to an SQS queue with SendMessageBatch.
func NewQueuePublisher(client SQSBatchClient, queueURL string, settings PublisherSettings, opts ...PublisherOption) (*Publisher, error) {
	if client == nil || queueURL == "" {
		return nil, fmt.Errorf("%w: queue publisher needs a client and a queue URL", ErrInvalidSettings)
	}
	return newPublisher(&queueTarget{client: client, url: queueURL}, settings, opts)
}

// NewTopicPublisher creates a Publisher that sends to an SNS topic with PublishBatch.
func NewTopicPublisher(client SNSClient, topicARN string, settings PublisherSettings, opts ...PublisherOption) (*Publisher, error) {
	if client == nil || topicARN == "" {
		return nil, fmt.Errorf("%w: topic publisher needs a client and a topic ARN", ErrInvalidSettings)
	}
	return newPublisher(&topicTarget{client: client, arn: topicARN}, settings, opts)
}

type queueTarget struct {
	client SQSBatchClient
	url    string
}

func (t *queueTarget) kind() string { return "queue" }

func (t *queueTarget) send(ctx context.Context, entries []*batchEntry) (map[string]entryFailure, error) {
	req := make([]sqstypes.SendMessageBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		entry := sqstypes.SendMessageBatchRequestEntry{
			Id:           aws.String(e.id),
			MessageBody:  aws.String(e.msg.Body),
			DelaySeconds: e.msg.DelaySeconds,
		}
		if len(e.msg.Attributes) > 0 {
			entry.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(e.msg.Attributes))
			for k, v := range e.msg.Attributes {
				entry.MessageAttributes[k] = stringAttribute(v)
			}
		}
		if e.msg.GroupID != "" {
			entry.MessageGroupId = aws.String(e.msg.GroupID)
		}
		if e.msg.DeduplicationID != "" {
			entry.MessageDeduplicationId = aws.String(e.msg.DeduplicationID)
		}
		req = append(req, entry)
	}

	out, err := t.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(t.url),
		Entries:  req,
	})
	if err != nil {
		return nil, err
	}

	failures := make(map[string]entryFailure, len(out.Failed))
	for _, f := range out.Failed {
		failures[aws.ToString(f.Id)] = entryFailure{
			code:        aws.ToString(f.Code),
			message:     aws.ToString(f.Message),
			senderFault: f.SenderFault,
		}
	}
	return failures, nil
}

type topicTarget struct {
	client SNSClient
	arn    string
}

func (t *topicTarget) kind() string { return "topic" }

func (t *topicTarget) send(ctx context.Context, entries []*batchEntry) (map[string]entryFailure, error) {
	req := make([]snstypes.PublishBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		entry := snstypes.PublishBatchRequestEntry{
			Id:      aws.String(e.id),
			Message: aws.String(e.msg.Body),
		}
		if e.msg.Subject != "" {
			entry.Subject = aws.String(e.msg.Subject)
		}
		if len(e.msg.Attributes) > 0 {
			entry.MessageAttributes = make(map[string]snstypes.MessageAttributeValue, len(e.msg.Attributes))
			for k, v := range e.msg.Attributes {
				entry.MessageAttributes[k] = snstypes.MessageAttributeValue{
					DataType:    aws.String("String"),
					StringValue: aws.String(v),
				}
			}
		}
		if e.msg.GroupID != "" {
			entry.MessageGroupId = aws.String(e.msg.GroupID)
		}
		if e.msg.DeduplicationID != "" {
			entry.MessageDeduplicationId = aws.String(e.msg.DeduplicationID)
		}
		req = append(req, entry)
	}

	out, err := t.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(t.arn),
		PublishBatchRequestEntries: req,
	})
	if err != nil {
		return nil, err
	}

	failures := make(map[string]entryFailure, len(out.Failed))
	for _, f := range out.Failed {
		failures[aws.ToString(f.Id)] = entryFailure{
			code:        aws.ToString(f.Code),
			message:     aws.ToString(f.Message),
			senderFault: f.SenderFault,
		}
	}
	return failures, nil
}

// errorCode returns the provider error code of err, or "" when err is not an API error.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
