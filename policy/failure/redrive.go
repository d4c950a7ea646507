package failure

import "context"

// LeaveOnQueue never acts on failures so the queue's redrive configuration handles retries and
// dead-lettering. This is the default.
type LeaveOnQueue struct{}

// Decide implements Policy.
func (LeaveOnQueue) Decide(context.Context, Failure) Action { return Leave }

// DeadLetterAfter moves a message to the dead-letter queue once it has been received
// MaxReceives times. Panicking handlers can be dead-lettered on first sight with
// PanicImmediately, and FailParse with ParseImmediately, since redelivery will not fix either.
type DeadLetterAfter struct {
	MaxReceives      int
	ParseImmediately bool
	PanicImmediately bool
}

// Decide implements Policy.
func (p DeadLetterAfter) Decide(_ context.Context, f Failure) Action {
	switch {
	case f.Kind == FailParse && p.ParseImmediately:
		return DeadLetter
	case f.Kind == FailHandlerPanic && p.PanicImmediately:
		return DeadLetter
	case p.MaxReceives > 0 && f.ReceiveCount >= p.MaxReceives:
		return DeadLetter
	default:
		return Leave
	}
}
