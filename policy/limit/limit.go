// Package limit provides the termination policy of a consumer loop.
//
// A Limitation is a tagged variant: Unlimited never stops, Count(n) stops once n messages have been
// completed (acknowledged one way or another). The consumer loop claims receive capacity with
// Acquire before every poll, so a Count limitation never causes more than n messages to be received
// regardless of how many workers run in parallel.
package limit

import (
	"fmt"
	"sync/atomic"
)

// Kind discriminates the Limitation variants.
type Kind int

const (
	KindUnlimited Kind = iota
	KindCount
)

func (k Kind) String() string {
	switch k {
	case KindUnlimited:
		return "unlimited"
	case KindCount:
		return "count"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Limitation decides when a consumer loop stops. All methods are safe for concurrent use.
type Limitation struct {
	kind Kind
	// budget is the n given to Count.
	budget int64
	// remaining counts messages that still have to complete.
	remaining atomic.Int64
	// unclaimed counts messages the loop may still ask the queue for.
	unclaimed atomic.Int64
}

// Unlimited returns a Limitation that never stops; the loop runs until cancelled.
func Unlimited() *Limitation {
	return &Limitation{kind: KindUnlimited}
}

// Count returns a Limitation that stops after n completed messages. Negative n is treated as 0.
func Count(n int) *Limitation {
	if n < 0 {
		n = 0
	}
	l := &Limitation{kind: KindCount, budget: int64(n)}
	l.remaining.Store(int64(n))
	l.unclaimed.Store(int64(n))
	return l
}

// Renew returns an unused Limitation of the same variant and budget. A consumer renews its
// Limitation at the start of every run, so settings holding one can be shared and reused.
func (l *Limitation) Renew() *Limitation {
	if l.kind == KindUnlimited {
		return Unlimited()
	}
	return Count(int(l.budget))
}

// Kind returns the variant.
func (l *Limitation) Kind() Kind { return l.kind }

// Remaining returns how many messages still have to complete. It is -1 for Unlimited.
func (l *Limitation) Remaining() int {
	if l.kind == KindUnlimited {
		return -1
	}
	return int(l.remaining.Load())
}

// Acquire claims capacity for up to want messages and returns the amount granted.
// Zero means the loop must not issue another receive.
func (l *Limitation) Acquire(want int) int {
	if want <= 0 {
		return 0
	}
	if l.kind == KindUnlimited {
		return want
	}
	for {
		avail := l.unclaimed.Load()
		if avail <= 0 {
			return 0
		}
		grant := min(int64(want), avail)
		if l.unclaimed.CompareAndSwap(avail, avail-grant) {
			return int(grant)
		}
	}
}

// Release returns capacity that was acquired but not used because the queue delivered fewer
// messages than requested.
func (l *Limitation) Release(n int) {
	if n <= 0 || l.kind == KindUnlimited {
		return
	}
	l.unclaimed.Add(int64(n))
}

// Done records one completed message and reports whether the loop should stop.
func (l *Limitation) Done() bool {
	if l.kind == KindUnlimited {
		return false
	}
	return l.remaining.Add(-1) <= 0
}

// ShouldStop reports whether the policy has been satisfied.
func (l *Limitation) ShouldStop() bool {
	if l.kind == KindUnlimited {
		return false
	}
	return l.remaining.Load() <= 0
}

func (l *Limitation) String() string {
	if l.kind == KindUnlimited {
		return l.kind.String()
	}
	return fmt.Sprintf("%s(%d remaining)", l.kind, l.remaining.Load())
}
