// Package routing dispatches decoded messages to one of several handlers.
package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/hatsunemiku3939/sqsflow"
)

// ErrNoRoute is returned for messages whose key matches no route and no fallback is set.
// The consumer treats it as a handler failure, so the message stays on the queue.
var ErrNoRoute = errors.New("no route for message")

// KeyFunc extracts the routing key of a message.
type KeyFunc func(msg sqsflow.Message) string

// Attribute routes on the value of a string message attribute.
func Attribute(name string) KeyFunc {
	return func(msg sqsflow.Message) string { return msg.Attributes[name] }
}

// ExactMatch selects the handler registered under exactly the message's key.
type ExactMatch[T any] struct {
	key      KeyFunc
	routes   map[string]sqsflow.Handler[T]
	fallback sqsflow.Handler[T]
}

// NewExactMatch creates an empty router keyed by key.
func NewExactMatch[T any](key KeyFunc) *ExactMatch[T] {
	return &ExactMatch[T]{key: key, routes: map[string]sqsflow.Handler[T]{}}
}

// Register adds a route. Registering the same key twice replaces the handler. Not safe to call
// concurrently with Handle.
func (r *ExactMatch[T]) Register(key string, h sqsflow.Handler[T]) *ExactMatch[T] {
	r.routes[key] = h
	return r
}

// Fallback handles messages that match no route.
func (r *ExactMatch[T]) Fallback(h sqsflow.Handler[T]) *ExactMatch[T] {
	r.fallback = h
	return r
}

// Handle implements sqsflow.Handler.
func (r *ExactMatch[T]) Handle(ctx context.Context, msg sqsflow.Message, payload T) (sqsflow.Result, error) {
	key := r.key(msg)
	if h, ok := r.routes[key]; ok {
		return h(ctx, msg, payload)
	}
	if r.fallback != nil {
		return r.fallback(ctx, msg, payload)
	}
	return sqsflow.ResultHandlerFailed, fmt.Errorf("%w: key %q", ErrNoRoute, key)
}
