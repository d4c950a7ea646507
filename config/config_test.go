package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/sqsflow/policy/failure"
	"github.com/hatsunemiku3939/sqsflow/policy/limit"
)

const sample = `
aws:
  region: eu-west-1
  endpoint: http://localhost:4566
log:
  level: debug
  format: json
consumer:
  queue: orders
  parallelism: 8
  waitTime: 5s
  maxMessages: 5
  rejectVisibilityTimeout: 30s
  limit: 100
  deadLetterQueueUrl: http://localhost:4566/000000000000/orders-dlq
  deadLetterAfter: 4
publisher:
  topicArn: arn:aws:sns:eu-west-1:000000000000:orders
  concurrency: 2
  flushInterval: 250ms
provision:
  queue: orders
  topics:
    - arn:aws:sns:eu-west-1:000000000000:orders
  rawDelivery: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sqsflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AWS_REGION", "AWS_ENDPOINT_URL", "LOG_LEVEL", "SQSFLOW_QUEUE", "SQSFLOW_PARALLELISM", "SQSFLOW_LIMIT"} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "http://localhost:4566", cfg.AWS.Endpoint)
	assert.Equal(t, 5, cfg.AWS.MaxAttempts, "defaults survive a partial file")
	assert.Equal(t, "orders", cfg.Consumer.Queue)
	assert.Equal(t, 8, cfg.Consumer.Parallelism)
	assert.Equal(t, 5*time.Second, cfg.Consumer.WaitTime)
	assert.Equal(t, 30*time.Second, cfg.Consumer.RejectVisibilityTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Publisher.FlushInterval)
	assert.Equal(t, 10, cfg.Publisher.MaxBatchSize)
	assert.True(t, cfg.Provision.RawDelivery)
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeConfig(t, "consumer:\n  paralelism: 3\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AWS_REGION":          "us-west-2",
		"SQSFLOW_QUEUE":       "payments",
		"SQSFLOW_PARALLELISM": "12",
		"SQSFLOW_WAIT_TIME":   "20s",
		"SQSFLOW_LIMIT":       "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "us-west-2", cfg.AWS.Region)
	assert.Equal(t, "payments", cfg.Consumer.Queue)
	assert.Equal(t, 12, cfg.Consumer.Parallelism)
	assert.Equal(t, 20*time.Second, cfg.Consumer.WaitTime)
	assert.Nil(t, cfg.Consumer.Limit)
}

func TestConsumerLimit(t *testing.T) {
	clearEnv(t)

	t.Run("zero limit never polls", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "consumer:\n  limit: 0\n"))
		require.NoError(t, err)
		require.NotNil(t, cfg.Consumer.Limit)

		lim := cfg.ConsumerSettings().Limitation
		assert.Equal(t, limit.KindCount, lim.Kind())
		assert.True(t, lim.ShouldStop())
	})

	t.Run("unset limit is unlimited", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "consumer:\n  queue: orders\n"))
		require.NoError(t, err)
		assert.Equal(t, limit.KindUnlimited, cfg.ConsumerSettings().Limitation.Kind())
	})

	t.Run("environment sets zero", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
			if k == "SQSFLOW_LIMIT" {
				return "0", true
			}
			return "", false
		}))
		require.NotNil(t, cfg.Consumer.Limit)
		assert.Zero(t, *cfg.Consumer.Limit)
	})

	t.Run("invalid environment value", func(t *testing.T) {
		cfg := Default()
		err := cfg.applyEnv(func(k string) (string, bool) {
			if k == "SQSFLOW_LIMIT" {
				return "all", true
			}
			return "", false
		})
		require.Error(t, err)
		assert.Nil(t, cfg.Consumer.Limit)
	})
}

func TestApplyEnv_Invalid(t *testing.T) {
	lookup := func(k string) (string, bool) {
		switch k {
		case "SQSFLOW_PARALLELISM":
			return "many", true
		case "SQSFLOW_WAIT_TIME":
			return "soon", true
		}
		return "", false
	}

	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SQSFLOW_PARALLELISM")
	assert.Contains(t, err.Error(), "SQSFLOW_WAIT_TIME")
}

func TestConversions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	cs := cfg.ConsumerSettings()
	require.NoError(t, cs.Validate())
	assert.Equal(t, limit.KindCount, cs.Limitation.Kind())
	assert.Equal(t, 100, cs.Limitation.Remaining())
	assert.Equal(t, "orders", cs.QueueName)

	assert.Equal(t, failure.DeadLetterAfter{MaxReceives: 4, ParseImmediately: true}, cfg.FailurePolicy())
	assert.Equal(t, failure.LeaveOnQueue{}, Default().FailurePolicy())

	ps := cfg.PublisherSettings()
	require.NoError(t, ps.Validate())
	assert.Equal(t, 2, ps.Concurrency)

	assert.Equal(t, limit.KindUnlimited, Default().ConsumerSettings().Limitation.Kind())
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "WARN"

	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"service":"sqsflow"`)

	cfg.Log.Format = "xml"
	_, err = cfg.Logger(&buf)
	assert.Error(t, err)

	cfg.Log.Format = "console"
	cfg.Log.Level = "loud"
	_, err = cfg.Logger(&buf)
	assert.Error(t, err)
}

func TestAWSConfig(t *testing.T) {
	cfg := Default()
	cfg.AWS.Region = "us-east-1"
	cfg.AWS.Endpoint = "http://localhost:4566"
	cfg.AWS.AccessKeyID = "test"
	cfg.AWS.SecretAccessKey = "test"

	awsCfg, err := cfg.AWSConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", awsCfg.Region)
	assert.Equal(t, "http://localhost:4566", *awsCfg.BaseEndpoint)

	creds, err := awsCfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", creds.AccessKeyID)
	assert.Equal(t, 5, awsCfg.Retryer().MaxAttempts())
}
