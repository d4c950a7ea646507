// Package provision creates queues, grants SNS topics access to them and subscribes queues to
// topics. Every call is idempotent on the AWS side and is not retried here.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/hatsunemiku3939/sqsflow/types"
)

var (
	ErrCreateQueue  = errors.New("create queue failed")
	ErrQueueARN     = errors.New("fetch queue ARN failed")
	ErrAttachPolicy = errors.New("attach topic policy failed")
	ErrSubscribe    = errors.New("subscribe failed")
)

// SQSClient is the subset of *sqs.Client used for provisioning.
type SQSClient interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
}

// SNSClient is the subset of *sns.Client used for provisioning.
type SNSClient interface {
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithKMSKeyAlias encrypts created queues with the given KMS key unless a call overrides it.
func WithKMSKeyAlias(alias string) Option {
	return func(p *Provisioner) { p.kmsKeyAlias = alias }
}

// WithVisibilityTimeout sets the default visibility timeout of created queues.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(p *Provisioner) { p.visibilityTimeout = d }
}

// WithRedrive attaches a redrive policy moving messages to deadLetterARN after maxReceiveCount
// receives.
func WithRedrive(deadLetterARN string, maxReceiveCount int) Option {
	return func(p *Provisioner) {
		p.redriveARN = deadLetterARN
		p.maxReceiveCount = maxReceiveCount
	}
}

// WithRawMessageDelivery makes SNS deliver bare payloads instead of JSON envelopes.
func WithRawMessageDelivery(raw bool) Option {
	return func(p *Provisioner) { p.rawDelivery = raw }
}

// Provisioner implements types.QueueResolver against real SQS and SNS.
type Provisioner struct {
	sqs               SQSClient
	sns               SNSClient
	logger            zerolog.Logger
	kmsKeyAlias       string
	visibilityTimeout time.Duration
	redriveARN        string
	maxReceiveCount   int
	rawDelivery       bool
}

var _ types.QueueResolver = (*Provisioner)(nil)

// New creates a Provisioner. snsClient may be nil when Subscribe is never called.
func New(sqsClient SQSClient, snsClient SNSClient, opts ...Option) *Provisioner {
	p := &Provisioner{
		sqs:    sqsClient,
		sns:    snsClient,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "provisioner").Logger()
	return p
}

// EnsureQueue creates the queue if it does not exist and returns its URL and ARN.
// CreateQueue fails if the queue exists with different attributes.
func (p *Provisioner) EnsureQueue(ctx context.Context, name string, opts ...types.QueueOption) (types.Queue, error) {
	cfg := types.ApplyQueueOptions(types.QueueConfig{KMSKeyAlias: p.kmsKeyAlias}, opts...)

	attrs, err := p.queueAttributes(cfg)
	if err != nil {
		return types.Queue{}, fmt.Errorf("%w: %s: %w", ErrCreateQueue, name, err)
	}

	created, err := p.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return types.Queue{}, fmt.Errorf("%w: %s: %w", ErrCreateQueue, name, err)
	}
	url := aws.ToString(created.QueueUrl)

	got, err := p.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return types.Queue{}, fmt.Errorf("%w: %s: %w", ErrQueueARN, name, err)
	}
	arn := got.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if arn == "" {
		return types.Queue{}, fmt.Errorf("%w: %s: attribute missing", ErrQueueARN, name)
	}

	p.logger.Info().Str("queue", name).Str("url", url).Msg("queue ensured")
	return types.Queue{Name: name, URL: url, ARN: arn}, nil
}

func (p *Provisioner) queueAttributes(cfg types.QueueConfig) (map[string]string, error) {
	attrs := map[string]string{}
	if cfg.KMSKeyAlias != "" {
		attrs[string(sqstypes.QueueAttributeNameKmsMasterKeyId)] = cfg.KMSKeyAlias
	}
	if p.visibilityTimeout > 0 {
		attrs[string(sqstypes.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(int(p.visibilityTimeout / time.Second))
	}
	if p.redriveARN != "" {
		redrive, err := json.Marshal(redrivePolicy{
			DeadLetterTargetArn: p.redriveARN,
			MaxReceiveCount:     p.maxReceiveCount,
		})
		if err != nil {
			return nil, err
		}
		attrs[string(sqstypes.QueueAttributeNameRedrivePolicy)] = string(redrive)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

// AttachTopicPolicy replaces the queue's access policy with one that lets each topic send to it.
func (p *Provisioner) AttachTopicPolicy(ctx context.Context, queue types.Queue, topicARNs ...string) error {
	if len(topicARNs) == 0 {
		return nil
	}
	doc, err := topicPolicy(queue.ARN, topicARNs)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAttachPolicy, queue.Name, err)
	}

	_, err = p.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queue.URL),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNamePolicy): doc,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAttachPolicy, queue.Name, err)
	}
	p.logger.Info().Str("queue", queue.Name).Strs("topics", topicARNs).Msg("topic policy attached")
	return nil
}

// Subscribe subscribes the queue to the topic and returns the subscription ARN.
func (p *Provisioner) Subscribe(ctx context.Context, topicARN, queueARN string) (string, error) {
	if p.sns == nil {
		return "", fmt.Errorf("%w: no SNS client configured", ErrSubscribe)
	}
	in := &sns.SubscribeInput{
		TopicArn:              aws.String(topicARN),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueARN),
		ReturnSubscriptionArn: true,
	}
	if p.rawDelivery {
		in.Attributes = map[string]string{"RawMessageDelivery": "true"}
	}

	out, err := p.sns.Subscribe(ctx, in)
	if err != nil {
		return "", fmt.Errorf("%w: %s -> %s: %w", ErrSubscribe, topicARN, queueARN, err)
	}
	arn := aws.ToString(out.SubscriptionArn)
	p.logger.Info().Str("topic", topicARN).Str("queue_arn", queueARN).Str("subscription", arn).Msg("subscribed")
	return arn, nil
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     int    `json:"maxReceiveCount"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Principal map[string]string            `json:"Principal"`
	Action    string                       `json:"Action"`
	Resource  string                       `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition"`
}

func topicPolicy(queueARN string, topicARNs []string) (string, error) {
	doc := policyDocument{Version: "2012-10-17"}
	for i, topic := range topicARNs {
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:       "AllowTopic" + strconv.Itoa(i),
			Effect:    "Allow",
			Principal: map[string]string{"Service": "sns.amazonaws.com"},
			Action:    "sqs:SendMessage",
			Resource:  queueARN,
			Condition: map[string]map[string]string{
				"ArnEquals": {"aws:SourceArn": topic},
			},
		})
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
