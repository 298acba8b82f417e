// Package worker consumes delivery jobs from the dispatcher and drives each
// scheduled send through its final states.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/mailer"
	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/telemetry"
	"github.com/candleworks/candle/internal/types"
)

const (
	// DefaultConcurrency is the number of concurrent delivery goroutines.
	DefaultConcurrency = 5

	defaultPollInterval = 500 * time.Millisecond
)

// Queue is the dispatcher surface the worker consumes.
type Queue interface {
	Claim(ctx context.Context) (*dispatch.Job, error)
	Retry(ctx context.Context, job dispatch.Job) (dispatch.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, job dispatch.Job, reason string) error
}

// Sender delivers one rendered message.
type Sender interface {
	Send(ctx context.Context, email, message string) error
}

// Worker runs the delivery loop.
type Worker struct {
	store        storage.Store
	queue        Queue
	sender       Sender
	concurrency  int
	maxAttempts  int
	pollInterval time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the number of delivery goroutines.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithMaxAttempts bounds delivery attempts per record.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithPollInterval sets the idle sleep between empty claims.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// New creates a Worker over the store, queue, and sender.
func New(store storage.Store, queue Queue, sender Sender, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		queue:        queue,
		sender:       sender,
		concurrency:  DefaultConcurrency,
		maxAttempts:  5,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims and processes jobs until the context is cancelled. In-flight
// jobs finish before Run returns.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker: starting %d delivery goroutines", w.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	log.Printf("worker: stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: claim error: %v", err)
			w.sleep(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.pollInterval)
			continue
		}
		w.Process(ctx, *job)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Process runs one claimed job to an acknowledged outcome. Every path ends
// in exactly one of Complete, Retry, or Fail on the queue.
func (w *Worker) Process(ctx context.Context, job dispatch.Job) {
	record, err := w.store.FindByKey(ctx, job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// A job without a backing record cannot make progress; retrying would
		// loop forever.
		log.Printf("worker: job %s has no schedule record, dropping (trace %s)", job.ID, job.TraceID)
		w.fail(ctx, job, "no schedule record for job")
		return
	}
	if err != nil {
		log.Printf("worker: load record %s: %v (trace %s)", job.ID, err, job.TraceID)
		w.retryOrFail(ctx, job, nil, fmt.Sprintf("load record: %v", err))
		return
	}

	if record.Status == types.StatusSent {
		log.Printf("worker: record %s already sent, acking duplicate job (trace %s)", job.ID, job.TraceID)
		w.complete(ctx, job)
		return
	}

	recipient, err := w.store.GetRecipient(ctx, record.RecipientID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && recipient.Deleted()) {
		w.failRecord(ctx, job, record, types.CancelRecipientUnavailable)
		return
	}
	if err != nil {
		log.Printf("worker: load recipient %s: %v (trace %s)", record.RecipientID, err, job.TraceID)
		w.retryOrFail(ctx, job, record, fmt.Sprintf("load recipient: %v", err))
		return
	}

	record, err = w.store.Transition(ctx, record.ID, types.StatusProcessing, "")
	if errors.Is(err, storage.ErrInvalidTransition) {
		// The record moved under us (another worker, or a cancellation).
		// Re-read to decide: terminal means the job is obsolete.
		current, readErr := w.store.FindByKey(ctx, job.ID)
		if readErr == nil && current.Status.Terminal() {
			log.Printf("worker: record %s is %s, acking job (trace %s)", job.ID, current.Status, job.TraceID)
			w.complete(ctx, job)
			return
		}
		w.retryOrFail(ctx, job, current, "record contended, will retry")
		return
	}
	if err != nil {
		log.Printf("worker: start attempt on %s: %v (trace %s)", job.ID, err, job.TraceID)
		w.retryOrFail(ctx, job, record, fmt.Sprintf("start attempt: %v", err))
		return
	}

	log.Printf("worker: attempt %d/%d for %s (trace %s)",
		record.AttemptCount, w.maxAttempts, job.ID, job.TraceID)

	sendErr := w.sender.Send(ctx, recipient.Email, recipient.BirthdayMessage())
	if sendErr == nil {
		if _, err := w.store.Transition(ctx, record.ID, types.StatusSent, ""); err != nil {
			// The send happened; the record must not be retried. Leave the
			// job acked and surface the inconsistency in the log.
			log.Printf("worker: sent %s but could not record it: %v (trace %s)", job.ID, err, job.TraceID)
		} else {
			log.Printf("worker: sent %s (trace %s)", job.ID, job.TraceID)
		}
		telemetry.RecordSend(ctx, true, "")
		w.complete(ctx, job)
		return
	}

	var se *mailer.SendError
	if errors.As(sendErr, &se) && !se.Transient() {
		telemetry.RecordSend(ctx, false, "permanent")
		w.failRecord(ctx, job, record, se.Error())
		return
	}
	telemetry.RecordSend(ctx, false, "transient")

	// Transient failure. record.AttemptCount already reflects this attempt.
	if record.AttemptCount >= w.maxAttempts {
		w.failRecord(ctx, job, record,
			fmt.Sprintf("retries exhausted after %d attempts: %v", record.AttemptCount, sendErr))
		return
	}
	if _, err := w.store.Transition(ctx, record.ID, types.StatusRetrying, sendErr.Error()); err != nil {
		log.Printf("worker: mark %s retrying: %v (trace %s)", job.ID, err, job.TraceID)
	}
	retried, err := w.queue.Retry(ctx, job)
	if err != nil {
		log.Printf("worker: requeue %s: %v (trace %s)", job.ID, err, job.TraceID)
		return
	}
	log.Printf("worker: %s attempt %d failed transiently, retry %d queued: %v (trace %s)",
		job.ID, record.AttemptCount, retried.Attempts, sendErr, job.TraceID)
}

// failRecord drives both the record and the job to their failed states.
func (w *Worker) failRecord(ctx context.Context, job dispatch.Job, record *types.ScheduledSend, reason string) {
	if record != nil {
		if _, err := w.store.Transition(ctx, record.ID, types.StatusFailed, reason); err != nil {
			log.Printf("worker: mark %s failed: %v (trace %s)", job.ID, err, job.TraceID)
		}
	}
	log.Printf("worker: %s failed permanently: %s (trace %s)", job.ID, reason, job.TraceID)
	w.fail(ctx, job, reason)
}

// retryOrFail handles infrastructure errors around an attempt: requeue while
// the retry budget lasts, fail the job once it is spent. The record keeps its
// current status so a later recovery sweep can still pick it up.
func (w *Worker) retryOrFail(ctx context.Context, job dispatch.Job, record *types.ScheduledSend, reason string) {
	if job.Attempts >= w.maxAttempts {
		if record != nil && !record.Status.Terminal() {
			if _, err := w.store.Transition(ctx, record.ID, types.StatusFailed, reason); err != nil {
				log.Printf("worker: mark %s failed: %v (trace %s)", job.ID, err, job.TraceID)
			}
		}
		w.fail(ctx, job, reason)
		return
	}
	if _, err := w.queue.Retry(ctx, job); err != nil {
		log.Printf("worker: requeue %s: %v (trace %s)", job.ID, err, job.TraceID)
	}
}

func (w *Worker) complete(ctx context.Context, job dispatch.Job) {
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		log.Printf("worker: ack %s: %v (trace %s)", job.ID, err, job.TraceID)
	}
}

func (w *Worker) fail(ctx context.Context, job dispatch.Job, reason string) {
	if err := w.queue.Fail(ctx, job, reason); err != nil {
		log.Printf("worker: fail %s: %v (trace %s)", job.ID, err, job.TraceID)
	}
}
