// Package types holds value types shared by the consumer, publisher and provisioning packages.
package types

import "context"

// Queue identifies a provisioned SQS queue.
type Queue struct {
	Name string
	URL  string
	ARN  string
}

// QueueConfig carries per-call queue creation parameters.
type QueueConfig struct {
	// KMSKeyAlias enables server-side encryption with the given key alias or ID.
	KMSKeyAlias string
}

// QueueOption customizes a single EnsureQueue call.
type QueueOption func(*QueueConfig)

// WithKMSKeyAlias sets QueueConfig.KMSKeyAlias. An empty alias leaves the resolver default.
func WithKMSKeyAlias(alias string) QueueOption {
	return func(c *QueueConfig) {
		if alias != "" {
			c.KMSKeyAlias = alias
		}
	}
}

// ApplyQueueOptions folds opts over base.
func ApplyQueueOptions(base QueueConfig, opts ...QueueOption) QueueConfig {
	for _, opt := range opts {
		opt(&base)
	}
	return base
}

// QueueResolver turns a queue name into a usable Queue, creating it when needed.
// provision.Provisioner is the production implementation.
type QueueResolver interface {
	EnsureQueue(ctx context.Context, name string, opts ...QueueOption) (Queue, error)
}

// StaticResolver resolves every name to the same, already known queue.
// Useful when the queue URL comes from configuration and no AWS calls should be made at startup.
type StaticResolver Queue

// EnsureQueue implements QueueResolver.
func (s StaticResolver) EnsureQueue(_ context.Context, name string, _ ...QueueOption) (Queue, error) {
	q := Queue(s)
	if q.Name == "" {
		q.Name = name
	}
	return q, nil
}
