// Package failure decides what happens to a message whose payload could not be decoded or whose
// handler failed. Explicit rejections never reach a failure policy.
package failure

import "context"

// Kind enumerates where in the pipeline a failure occurred.
type Kind int

const (
	// FailParse indicates the payload could not be decoded into the handler's type.
	FailParse Kind = iota
	// FailHandler indicates the handler returned an error.
	FailHandler
	// FailHandlerPanic indicates the handler panicked.
	FailHandlerPanic
)

func (k Kind) String() string {
	switch k {
	case FailParse:
		return "parse"
	case FailHandler:
		return "handler"
	case FailHandlerPanic:
		return "handler_panic"
	default:
		return "unknown"
	}
}

// Action is the side effect the acknowledger performs for a failed message.
type Action int

const (
	// Leave makes no API call. The message becomes visible again when its current visibility
	// timeout expires, and the queue's own redrive policy applies.
	Leave Action = iota
	// DeadLetter copies the message to the dead-letter queue and deletes it from the source queue.
	DeadLetter
)

func (a Action) String() string {
	switch a {
	case Leave:
		return "leave"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Failure describes a failed message for policy decisions.
type Failure struct {
	Kind         Kind
	MessageID    string
	ReceiveCount int
	Err          error
}

// Policy decides the Action for a failed message.
type Policy interface {
	Decide(ctx context.Context, f Failure) Action
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, f Failure) Action

// Decide implements Policy.
func (fn PolicyFunc) Decide(ctx context.Context, f Failure) Action { return fn(ctx, f) }
