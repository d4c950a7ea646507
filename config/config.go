// Package config loads the sqsflow command configuration from a YAML file and the environment and
// converts it into library settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/hatsunemiku3939/sqsflow"
	"github.com/hatsunemiku3939/sqsflow/policy/failure"
	"github.com/hatsunemiku3939/sqsflow/policy/limit"
)

// EnvPrefix prefixes every environment variable read by Load, except the standard AWS_* and
// LOG_LEVEL variables.
const EnvPrefix = "SQSFLOW_"

// Config represents the complete command configuration
type Config struct {
	AWS       AWS       `yaml:"aws"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Consumer  Consumer  `yaml:"consumer"`
	Publisher Publisher `yaml:"publisher"`
	Provision Provision `yaml:"provision"`
}

// AWS configures the SDK clients.
type AWS struct {
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint, e.g. a LocalStack URL.
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string        `yaml:"secretAccessKey,omitempty"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type Metrics struct {
	Addr      string `yaml:"addr,omitempty"` // empty disables the metrics endpoint
	Namespace string `yaml:"namespace"`
}

// Consumer mirrors sqsflow.ConsumerSettings plus the failure policy.
type Consumer struct {
	Queue                   string        `yaml:"queue"`
	QueueURL                string        `yaml:"queueUrl,omitempty"`
	KMSKeyAlias             string        `yaml:"kmsKeyAlias,omitempty"`
	Parallelism             int           `yaml:"parallelism"`
	WaitTime                time.Duration `yaml:"waitTime"`
	MaxMessages             int           `yaml:"maxMessages"`
	VisibilityTimeout       time.Duration `yaml:"visibilityTimeout,omitempty"`
	RejectVisibilityTimeout time.Duration `yaml:"rejectVisibilityTimeout,omitempty"`
	ProcessingTimeout       time.Duration `yaml:"processingTimeout"`
	AckTimeout              time.Duration `yaml:"ackTimeout"`
	// Limit stops the consumer after this many messages. Unset consumes until interrupted; 0 never polls.
	Limit              *int   `yaml:"limit,omitempty"`
	DeadLetterQueueURL string `yaml:"deadLetterQueueUrl,omitempty"`
	// DeadLetterAfter moves failed messages to DeadLetterQueueURL once received this many times.
	DeadLetterAfter int `yaml:"deadLetterAfter,omitempty"`
}

// Publisher mirrors sqsflow.PublisherSettings plus the target. Exactly one of QueueURL and
// TopicARN must be set to publish.
type Publisher struct {
	QueueURL      string        `yaml:"queueUrl,omitempty"`
	TopicARN      string        `yaml:"topicArn,omitempty"`
	MaxBatchSize  int           `yaml:"maxBatchSize"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
	RateLimit     float64       `yaml:"rateLimit,omitempty"`
}

type Provision struct {
	Queue             string        `yaml:"queue"`
	KMSKeyAlias       string        `yaml:"kmsKeyAlias,omitempty"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout,omitempty"`
	RedriveARN        string        `yaml:"redriveArn,omitempty"`
	MaxReceiveCount   int           `yaml:"maxReceiveCount,omitempty"`
	Topics            []string      `yaml:"topics,omitempty"`
	RawDelivery       bool          `yaml:"rawDelivery,omitempty"`
}

// Default returns the configuration used when neither a file nor the environment sets a value.
func Default() *Config {
	ps := sqsflow.DefaultPublisherSettings()
	cs := sqsflow.DefaultConsumerSettings("")
	return &Config{
		AWS: AWS{
			MaxAttempts: 5,
			MaxBackoff:  20 * time.Second,
		},
		Log:     Log{Level: "info", Format: "console"},
		Metrics: Metrics{Namespace: "sqsflow"},
		Consumer: Consumer{
			Parallelism:       4,
			WaitTime:          cs.WaitTime,
			MaxMessages:       cs.MaxMessages,
			ProcessingTimeout: cs.ProcessingTimeout,
			AckTimeout:        cs.AckTimeout,
		},
		Publisher: Publisher{
			MaxBatchSize:  ps.MaxBatchSize,
			Concurrency:   ps.Concurrency,
			MaxRetries:    ps.MaxRetries,
			FlushInterval: ps.FlushInterval,
			MaxBackoff:    ps.MaxBackoff,
		},
	}
}

// Load reads .env files, then the YAML file at path (optional), then overlays the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays environment variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	optNum := func(key string, dst **int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = &n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("AWS_REGION", &c.AWS.Region)
	str("AWS_ENDPOINT_URL", &c.AWS.Endpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str(EnvPrefix+"LOG_FORMAT", &c.Log.Format)
	str(EnvPrefix+"METRICS_ADDR", &c.Metrics.Addr)

	str(EnvPrefix+"QUEUE", &c.Consumer.Queue)
	str(EnvPrefix+"QUEUE_URL", &c.Consumer.QueueURL)
	str(EnvPrefix+"KMS_KEY_ALIAS", &c.Consumer.KMSKeyAlias)
	num(EnvPrefix+"PARALLELISM", &c.Consumer.Parallelism)
	dur(EnvPrefix+"WAIT_TIME", &c.Consumer.WaitTime)
	num(EnvPrefix+"MAX_MESSAGES", &c.Consumer.MaxMessages)
	dur(EnvPrefix+"VISIBILITY_TIMEOUT", &c.Consumer.VisibilityTimeout)
	dur(EnvPrefix+"PROCESSING_TIMEOUT", &c.Consumer.ProcessingTimeout)
	optNum(EnvPrefix+"LIMIT", &c.Consumer.Limit)
	str(EnvPrefix+"DLQ_URL", &c.Consumer.DeadLetterQueueURL)

	str(EnvPrefix+"PUBLISH_QUEUE_URL", &c.Publisher.QueueURL)
	str(EnvPrefix+"PUBLISH_TOPIC_ARN", &c.Publisher.TopicARN)
	num(EnvPrefix+"PUBLISH_CONCURRENCY", &c.Publisher.Concurrency)

	return errors.Join(errs...)
}

// ConsumerSettings converts the consumer section. A fresh Limitation is created on every call.
func (c *Config) ConsumerSettings() sqsflow.ConsumerSettings {
	lim := limit.Unlimited()
	if c.Consumer.Limit != nil {
		lim = limit.Count(*c.Consumer.Limit)
	}
	return sqsflow.ConsumerSettings{
		Parallelism:             c.Consumer.Parallelism,
		QueueName:               c.Consumer.Queue,
		KMSKeyAlias:             c.Consumer.KMSKeyAlias,
		WaitTime:                c.Consumer.WaitTime,
		MaxMessages:             c.Consumer.MaxMessages,
		VisibilityTimeout:       c.Consumer.VisibilityTimeout,
		RejectVisibilityTimeout: c.Consumer.RejectVisibilityTimeout,
		ProcessingTimeout:       c.Consumer.ProcessingTimeout,
		AckTimeout:              c.Consumer.AckTimeout,
		Limitation:              lim,
	}
}

// FailurePolicy returns DeadLetterAfter when a dead-letter queue is configured, LeaveOnQueue otherwise.
func (c *Config) FailurePolicy() failure.Policy {
	if c.Consumer.DeadLetterQueueURL == "" {
		return failure.LeaveOnQueue{}
	}
	return failure.DeadLetterAfter{
		MaxReceives:      c.Consumer.DeadLetterAfter,
		ParseImmediately: true,
	}
}

func (c *Config) PublisherSettings() sqsflow.PublisherSettings {
	return sqsflow.PublisherSettings{
		MaxBatchSize:  c.Publisher.MaxBatchSize,
		Concurrency:   c.Publisher.Concurrency,
		MaxRetries:    c.Publisher.MaxRetries,
		FlushInterval: c.Publisher.FlushInterval,
		MaxBackoff:    c.Publisher.MaxBackoff,
		RateLimit:     c.Publisher.RateLimit,
	}
}

// Logger builds the process logger.
func (c *Config) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	switch c.Log.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "sqsflow").Logger(), nil
}

// AWSConfig loads the shared SDK configuration with the configured region, endpoint, static
// credentials and retry policy applied.
func (c *Config) AWSConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = c.AWS.MaxAttempts
				o.MaxBackoff = c.AWS.MaxBackoff
			})
		}),
	}
	if c.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.AWS.Region))
	}
	if c.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AWS.AccessKeyID, c.AWS.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if c.AWS.Endpoint != "" {
		cfg.BaseEndpoint = aws.String(c.AWS.Endpoint)
	}
	return cfg, nil
}
