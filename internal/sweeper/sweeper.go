// Package sweeper runs the hourly safety net. It promotes records whose day
// has arrived, dispatches due PENDING records to the queue, and re-enqueues
// work stranded by a crash or downtime. The manual trigger reuses the same
// sweep with force semantics.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/occurrence"
	"github.com/candleworks/candle/internal/planner"
	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/telemetry"
	"github.com/candleworks/candle/internal/traceid"
	"github.com/candleworks/candle/internal/types"
)

// Queue is the dispatcher surface the sweeper produces into.
type Queue interface {
	Enqueue(ctx context.Context, job dispatch.Job, delay time.Duration) (bool, error)
}

// Mode selects how aggressively a sweep dispatches.
type Mode int

const (
	// ModeSweep dispatches due records only; late-registration records stay
	// held. This is what the hourly loop runs.
	ModeSweep Mode = iota
	// ModeManual additionally dispatches held late-registration records.
	// This is what `candled sweep` without --force runs.
	ModeManual
	// ModeForce dispatches every pending record regardless of its scheduled
	// time. Backs the manual trigger endpoint and `candled sweep --force`.
	ModeForce
)

// Summary reports what one sweep did. Field names follow the manual-trigger
// response contract.
type Summary struct {
	Total                int      `json:"total"`
	Queued               int      `json:"queued"`
	SkippedAlreadyQueued int      `json:"skippedAlreadyQueued"`
	SkippedNotDue        int      `json:"skippedNotDue"`
	Failed               int      `json:"failed"`
	FailedIDs            []string `json:"failedIds"`
}

// Sweeper owns the periodic schedule maintenance loop.
type Sweeper struct {
	store       storage.Store
	queue       Queue
	hour        int
	maxAttempts int
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds which FAILED records the recovery pass reconsiders.
func WithMaxAttempts(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New creates a Sweeper delivering at hour o'clock local time.
func New(store storage.Store, queue Queue, hour int, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, queue: queue, hour: hour, maxAttempts: 5, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately, then at the top of every hour until the context is
// cancelled. The immediate sweep is the downtime recovery path: anything that
// became due while the process was down is picked up within one startup.
func (s *Sweeper) Run(ctx context.Context) {
	s.runOnce(ctx)
	for {
		next := s.now().Truncate(time.Hour).Add(time.Hour)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if n, err := s.Recover(ctx); err != nil {
		log.Printf("sweeper: recovery pass: %v", err)
	} else if n > 0 {
		log.Printf("sweeper: recovered %d stranded records", n)
	}
	summary, err := s.Sweep(ctx, ModeSweep)
	if err != nil {
		log.Printf("sweeper: sweep failed: %v", err)
		return
	}
	log.Printf("sweeper: total=%d queued=%d alreadyQueued=%d notDue=%d failed=%d",
		summary.Total, summary.Queued, summary.SkippedAlreadyQueued,
		summary.SkippedNotDue, summary.Failed)
}

// Sweep promotes today's occurrences and dispatches PENDING records
// according to mode.
func (s *Sweeper) Sweep(ctx context.Context, mode Mode) (*Summary, error) {
	trace := traceid.New()
	if err := s.promote(ctx); err != nil {
		return nil, err
	}
	summary, err := s.dispatch(ctx, mode, trace)
	if err != nil {
		return nil, err
	}
	telemetry.RecordSweepQueued(ctx, summary.Queued)
	return summary, nil
}

// promote walks live recipients and makes sure each same-day occurrence has
// a PENDING record: creating one where the planner never ran (recipients
// predating the engine, or missed bus events), and promoting UNPROCESSED
// records whose day has arrived.
func (s *Sweeper) promote(ctx context.Context) error {
	recipients, err := s.store.ListLiveRecipients(ctx)
	if err != nil {
		return fmt.Errorf("list recipients: %w", err)
	}
	now := s.now().UTC()

	for _, r := range recipients {
		loc, err := time.LoadLocation(r.Timezone)
		if err != nil {
			log.Printf("sweeper: recipient %s has invalid timezone %q, skipping", r.ID, r.Timezone)
			continue
		}
		month, day, err := r.BirthMonthDay()
		if err != nil {
			log.Printf("sweeper: recipient %s: %v", r.ID, err)
			continue
		}

		localDate, scheduledFor := occurrence.Next(month, day, loc, now, s.hour)
		if localDate != occurrence.Today(now, loc) {
			continue
		}

		key := types.IdempotencyKey(r.ID, types.MessageBirthday, localDate)
		record, err := s.store.FindByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			_, created, err := s.store.CreateIfAbsent(ctx, &types.ScheduledSend{
				RecipientID:    r.ID,
				MessageType:    types.MessageBirthday,
				ScheduledDate:  localDate,
				ScheduledFor:   scheduledFor,
				IdempotencyKey: key,
				Status:         types.StatusPending,
			})
			if err != nil {
				log.Printf("sweeper: create %s: %v", key, err)
			} else if created {
				log.Printf("sweeper: created %s", key)
			}
			continue
		}
		if err != nil {
			log.Printf("sweeper: load %s: %v", key, err)
			continue
		}

		if record.Status == types.StatusUnprocessed {
			if _, err := s.store.Transition(ctx, record.ID, types.StatusPending, ""); err != nil {
				if !errors.Is(err, storage.ErrInvalidTransition) {
					log.Printf("sweeper: promote %s: %v", key, err)
				}
			}
		}
	}
	return nil
}

// dispatch enqueues due PENDING records. PENDING records are looked up by
// local calendar date; the dates that can be "today" somewhere on the planet
// span the UTC date plus or minus one.
func (s *Sweeper) dispatch(ctx context.Context, mode Mode, trace string) (*Summary, error) {
	now := s.now().UTC()
	utcDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	summary := &Summary{FailedIDs: []string{}}
	seen := map[int64]bool{}

	for _, offset := range []int{-1, 0, 1} {
		localDate := utcDay.AddDate(0, 0, offset).Format(occurrence.DateFormat)
		records, err := s.store.FindPendingForLocalDate(ctx, localDate)
		if err != nil {
			return nil, fmt.Errorf("pending for %s: %w", localDate, err)
		}
		for _, record := range records {
			if seen[record.ID] {
				continue
			}
			seen[record.ID] = true
			summary.Total++

			var notDue bool
			switch mode {
			case ModeSweep:
				notDue = record.ScheduledFor.After(now) ||
					record.ErrorMessage == planner.LateRegistrationNote
			case ModeManual:
				notDue = record.ScheduledFor.After(now)
			case ModeForce:
				notDue = false
			}
			if notDue {
				summary.SkippedNotDue++
				continue
			}

			created, err := s.queue.Enqueue(ctx, dispatch.Job{
				ID:           record.IdempotencyKey,
				RecipientID:  record.RecipientID,
				ScheduledFor: record.ScheduledFor,
				TraceID:      trace,
			}, 0)
			if err != nil {
				log.Printf("sweeper: enqueue %s: %v", record.IdempotencyKey, err)
				summary.Failed++
				summary.FailedIDs = append(summary.FailedIDs, record.IdempotencyKey)
				continue
			}
			if created {
				summary.Queued++
			} else {
				summary.SkippedAlreadyQueued++
			}
		}
	}
	return summary, nil
}

// Recover re-enqueues records stranded by a crash or downtime: RETRYING
// records whose queue job vanished, and FAILED records that still have
// attempts left. Duplicate enqueues collapse on the job key, so records with
// a live job are unaffected.
func (s *Sweeper) Recover(ctx context.Context) (int, error) {
	now := s.now().UTC()
	records, err := s.store.FindDue(ctx, now, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("find due: %w", err)
	}

	trace := traceid.New()
	queued := 0
	for _, record := range records {
		if record.Status == types.StatusPending {
			// Dispatched by the sweep proper, with not-due accounting.
			continue
		}
		if record.Cancelled() || record.ErrorMessage == planner.LateRegistrationNote {
			continue
		}
		created, err := s.queue.Enqueue(ctx, dispatch.Job{
			ID:           record.IdempotencyKey,
			RecipientID:  record.RecipientID,
			ScheduledFor: record.ScheduledFor,
			TraceID:      trace,
			Attempts:     record.AttemptCount,
		}, 0)
		if err != nil {
			log.Printf("sweeper: recover %s: %v", record.IdempotencyKey, err)
			continue
		}
		if created {
			queued++
		}
	}
	return queued, nil
}
