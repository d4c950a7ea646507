package sqsflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hatsunemiku3939/sqsflow/metrics"
)

// OutboundMessage is one message to publish.
type OutboundMessage struct {
	Body string
	// Attributes are sent as String message attributes.
	Attributes map[string]string
	// GroupID and DeduplicationID are required by FIFO queues and topics.
	GroupID         string
	DeduplicationID string
	// DelaySeconds applies to queue targets only.
	DelaySeconds int32
	// Subject applies to topic targets only.
	Subject string
}

// batchEntry tracks one message across attempts.
type batchEntry struct {
	id       string
	msg      OutboundMessage
	attempts int
}

// entryFailure is a per-entry failure reported by a batch API.
type entryFailure struct {
	code        string
	message     string
	senderFault bool
}

// batchTarget sends one batch request. failures is keyed by entry id; entries that are absent
// were accepted. A non-nil error means the whole request failed.
type batchTarget interface {
	kind() string
	send(ctx context.Context, entries []*batchEntry) (failures map[string]entryFailure, err error)
}

// batchDone is reported by a batch goroutine to the publish loop.
type batchDone struct {
	sent   int
	retry  []*batchEntry
	failed []*EntryError
}

// Publisher groups outbound messages into batch requests, keeps at most Concurrency requests in
// flight and resubmits entries that failed transiently. A Publisher is safe for concurrent use;
// every Publish call runs its own loop.
type Publisher struct {
	target   batchTarget
	settings PublisherSettings
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	newID    func() string
	limiter  *rate.Limiter
	backoff  *retry.ExponentialJitterBackoff
}

func newPublisher(target batchTarget, settings PublisherSettings, opts []PublisherOption) (*Publisher, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := newPublisherOptions(opts)
	if o.newID == nil {
		o.newID = uuid.NewString
	}

	p := &Publisher{
		target:   target,
		settings: settings,
		logger:   o.logger.With().Str("component", "publisher").Str("target", target.kind()).Logger(),
		metrics:  o.metrics,
		newID:    o.newID,
		backoff:  retry.NewExponentialJitterBackoff(settings.MaxBackoff),
	}
	if settings.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), 1)
	}
	return p, nil
}

// Publish sends msgs and returns once every message was accepted or failed permanently.
// Permanent failures are reported as a *PublishError.
func (p *Publisher) Publish(ctx context.Context, msgs []OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.run(ctx, msgs, nil)
}

// PublishStream publishes messages from in until in is closed and all of them are settled.
// A partial batch is sent at most FlushInterval after its first entry arrived. When ctx is cancelled reading
// stops, pending entries fail with the context error, and unread messages are left in in.
func (p *Publisher) PublishStream(ctx context.Context, in <-chan OutboundMessage) error {
	if in == nil {
		return fmt.Errorf("%w: nil input channel", ErrInvalidSettings)
	}
	return p.run(ctx, nil, in)
}

func (p *Publisher) run(ctx context.Context, seed []OutboundMessage, in <-chan OutboundMessage) error {
	var (
		// fresh holds entries that were never sent; retries holds entries that failed
		// transiently. The two never share a batch.
		fresh       = make([]*batchEntry, 0, len(seed)+p.settings.MaxBatchSize)
		retries     []*batchEntry
		results     = make(chan batchDone)
		outstanding int
		sent        int
		failed      []*EntryError
		inputOpen   = in != nil
		flushDue    bool
		timer       *time.Timer
		armed       bool
	)
	for _, m := range seed {
		fresh = append(fresh, p.entry(m))
	}
	if inputOpen {
		timer = time.NewTimer(p.settings.FlushInterval)
		timer.Stop()
		defer timer.Stop()
	}

	stopFlush := func() {
		flushDue = false
		if armed {
			timer.Stop()
			armed = false
		}
	}

	submit := func(list *[]*batchEntry, n int) {
		batch := make([]*batchEntry, n)
		copy(batch, (*list)[:n])
		*list = (*list)[n:]
		outstanding++
		go func() { results <- p.sendBatch(ctx, batch) }()
	}

	for {
		if err := ctx.Err(); err != nil {
			for _, e := range append(fresh, retries...) {
				failed = append(failed, &EntryError{Message: e.msg, Attempts: e.attempts, Err: err})
			}
			fresh, retries = fresh[:0], nil
		}

		// Full batches go out first. A partial fresh batch goes out on a flush tick or once input
		// is closed. A partial retry batch goes out on a flush tick, or once input is closed and
		// nothing else is in flight, so the retries of one round travel together.
	fill:
		for outstanding < p.settings.Concurrency {
			switch {
			case len(fresh) >= p.settings.MaxBatchSize:
				submit(&fresh, p.settings.MaxBatchSize)
			case len(retries) >= p.settings.MaxBatchSize:
				submit(&retries, p.settings.MaxBatchSize)
			case len(fresh) > 0 && (flushDue || !inputOpen):
				submit(&fresh, len(fresh))
			case len(retries) > 0 && (flushDue || (!inputOpen && len(fresh) == 0 && outstanding == 0)):
				submit(&retries, len(retries))
			default:
				break fill
			}
		}

		waiting := len(fresh) + len(retries)
		if waiting == 0 {
			stopFlush()
		}
		if !inputOpen && outstanding == 0 && waiting == 0 {
			break
		}

		// The flush timer starts when the first entry starts waiting and is not pushed back by
		// later input, which bounds the latency of a partial batch by FlushInterval.
		if inputOpen && waiting > 0 && !armed && !flushDue {
			timer.Reset(p.settings.FlushInterval)
			armed = true
		}

		// Backpressure: input is only read while a batch slot is free.
		var input <-chan OutboundMessage
		if inputOpen && outstanding < p.settings.Concurrency && ctx.Err() == nil {
			input = in
		}
		var done <-chan struct{}
		if inputOpen {
			done = ctx.Done()
		}
		var tick <-chan time.Time
		if armed {
			tick = timer.C
		}

		select {
		case m, ok := <-input:
			if !ok {
				inputOpen = false
				stopFlush()
				continue
			}
			fresh = append(fresh, p.entry(m))
		case <-tick:
			armed = false
			flushDue = true
		case <-done:
			p.logger.Warn().Err(ctx.Err()).Msg("publish cancelled, input no longer read")
			inputOpen = false
			stopFlush()
		case r := <-results:
			outstanding--
			sent += r.sent
			failed = append(failed, r.failed...)
			retries = append(retries, r.retry...)
		}
	}

	if len(failed) > 0 {
		return &PublishError{Failed: failed, Sent: sent}
	}
	return nil
}

func (p *Publisher) entry(m OutboundMessage) *batchEntry {
	return &batchEntry{id: p.newID(), msg: m}
}

// sendBatch performs one batch request, sleeping a backoff first when the batch carries retries.
func (p *Publisher) sendBatch(ctx context.Context, batch []*batchEntry) batchDone {
	var done batchDone

	failAll := func(err error, code string, retryable bool) batchDone {
		for _, e := range batch {
			p.settle(&done, e, retryable, code, false, err)
		}
		return done
	}

	if attempt := maxAttempts(batch); attempt > 0 {
		delay, err := p.backoff.BackoffDelay(attempt, nil)
		if err != nil {
			delay = p.settings.MaxBackoff
		}
		if !sleepCtx(ctx, delay) {
			return failAll(ctx.Err(), "", false)
		}
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return failAll(err, "", false)
		}
	}

	for _, e := range batch {
		e.attempts++
	}
	failures, err := p.target.send(ctx, batch)
	if err != nil {
		retryable := isRetryable(err)
		p.logger.Warn().Err(err).Int("entries", len(batch)).Bool("retryable", retryable).Msg("batch request failed")
		done = failAll(err, errorCode(err), retryable)
		p.metrics.RecordBatch(p.target.kind(), 0, len(done.failed), len(done.retry))
		return done
	}

	for _, e := range batch {
		f, bad := failures[e.id]
		if !bad {
			done.sent++
			continue
		}
		p.settle(&done, e, !f.senderFault, f.code, f.senderFault, errors.New(f.message))
	}
	if len(done.failed) > 0 || len(done.retry) > 0 {
		p.logger.Debug().
			Int("sent", done.sent).
			Int("retry", len(done.retry)).
			Int("failed", len(done.failed)).
			Msg("batch partially failed")
	}
	p.metrics.RecordBatch(p.target.kind(), done.sent, len(done.failed), len(done.retry))
	return done
}

// settle queues e for another attempt or records it as permanently failed.
func (p *Publisher) settle(done *batchDone, e *batchEntry, retryable bool, code string, senderFault bool, err error) {
	if retryable && e.attempts <= p.settings.MaxRetries {
		done.retry = append(done.retry, e)
		return
	}
	if retryable {
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	done.failed = append(done.failed, &EntryError{
		Message:     e.msg,
		Code:        code,
		SenderFault: senderFault,
		Attempts:    e.attempts,
		Err:         err,
	})
}

func maxAttempts(batch []*batchEntry) int {
	n := 0
	for _, e := range batch {
		n = max(n, e.attempts)
	}
	return n
}
