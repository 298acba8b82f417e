// Package planner subscribes to recipient-lifecycle events and keeps the
// schedule store in step with each recipient's next birthday occurrence.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/eventbus"
	"github.com/candleworks/candle/internal/occurrence"
	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/types"
)

// LateRegistrationNote marks a record created after its send time already
// passed for the day. The hourly sweep skips these; a manual trigger or a
// forced sweep delivers them.
const LateRegistrationNote = "recipient created after scheduled send time; awaiting manual trigger"

// Queue is the dispatcher surface the planner needs: cancelling queued jobs
// before mutating the records behind them, and dispatching a record whose
// rescheduled send time has already passed.
type Queue interface {
	Enqueue(ctx context.Context, job dispatch.Job, delay time.Duration) (bool, error)
	Remove(ctx context.Context, id string) error
}

// Planner plans, replans, and cancels scheduled sends in response to
// recipient events.
type Planner struct {
	store storage.Store
	queue Queue
	hour  int
	now   func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a Planner that schedules sends at hour o'clock local time.
func New(store storage.Store, queue Queue, hour int, opts ...Option) *Planner {
	p := &Planner{store: store, queue: queue, hour: hour, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID implements eventbus.Handler.
func (p *Planner) ID() string { return "planner" }

// Handles implements eventbus.Handler.
func (p *Planner) Handles() []eventbus.EventType {
	return []eventbus.EventType{
		eventbus.EventRecipientCreated,
		eventbus.EventRecipientUpdated,
		eventbus.EventRecipientDeleted,
	}
}

// Priority implements eventbus.Handler.
func (p *Planner) Priority() int { return 10 }

// Handle implements eventbus.Handler.
func (p *Planner) Handle(ctx context.Context, event *eventbus.Event) error {
	switch event.Type {
	case eventbus.EventRecipientCreated:
		_, err := p.Plan(ctx, event.Recipient)
		return err
	case eventbus.EventRecipientUpdated:
		return p.replan(ctx, event)
	case eventbus.EventRecipientDeleted:
		return p.cancelUpcoming(ctx, event.Recipient, types.CancelRecipientUnavailable)
	}
	return nil
}

// Plan computes the recipient's next occurrence and creates its record if
// absent. The existing record wins on conflict, so replays are harmless.
func (p *Planner) Plan(ctx context.Context, r *types.Recipient) (*types.ScheduledSend, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("recipient %s has invalid timezone %q: %w", r.ID, r.Timezone, err)
	}
	month, day, err := r.BirthMonthDay()
	if err != nil {
		return nil, fmt.Errorf("recipient %s: %w", r.ID, err)
	}

	now := p.now().UTC()
	localDate, scheduledFor := occurrence.Next(month, day, loc, now, p.hour)

	rec := &types.ScheduledSend{
		RecipientID:    r.ID,
		MessageType:    types.MessageBirthday,
		ScheduledDate:  localDate,
		ScheduledFor:   scheduledFor,
		IdempotencyKey: types.IdempotencyKey(r.ID, types.MessageBirthday, localDate),
		Status:         types.StatusUnprocessed,
	}

	// A same-day occurrence is immediately eligible. If the send time already
	// passed, the record still goes in as PENDING but carries a marker so the
	// sweeper leaves it alone; the recipient did not exist when the hour
	// struck, and a surprise late send is worse than none.
	if localDate == occurrence.Today(now, loc) {
		rec.Status = types.StatusPending
		if !scheduledFor.After(now) {
			rec.ErrorMessage = LateRegistrationNote
		}
	}

	out, created, err := p.store.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", rec.IdempotencyKey, err)
	}
	if created {
		log.Printf("planner: planned %s for %s (%s)", rec.IdempotencyKey, localDate, rec.Status)
	}
	return out, nil
}

// replan handles recipient updates. Only birth-date and timezone changes
// affect the schedule; other field edits are ignored.
func (p *Planner) replan(ctx context.Context, event *eventbus.Event) error {
	if !event.BirthDateChanged() && !event.TimezoneChanged() {
		return nil
	}

	if event.BirthDateChanged() {
		if err := p.cancelUpcoming(ctx, event.OldRecipient, types.CancelBirthdateChange); err != nil {
			return err
		}
		_, err := p.Plan(ctx, event.Recipient)
		return err
	}

	// Timezone-only change. When the local date is unchanged, the key is the
	// same record; just move its UTC projection.
	return p.reproject(ctx, event)
}

func (p *Planner) reproject(ctx context.Context, event *eventbus.Event) error {
	r := event.Recipient
	oldKey, _, err := p.upcomingKey(event.OldRecipient)
	if err != nil {
		return err
	}
	newKey, scheduledFor, err := p.upcomingKey(r)
	if err != nil {
		return err
	}

	if oldKey != newKey {
		if err := p.cancelUpcoming(ctx, event.OldRecipient, types.CancelTimezoneChange); err != nil {
			return err
		}
		_, err := p.Plan(ctx, r)
		return err
	}

	record, err := p.store.FindByKey(ctx, newKey)
	if errors.Is(err, storage.ErrNotFound) {
		_, err := p.Plan(ctx, r)
		return err
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", newKey, err)
	}

	// Any already-queued job carries the old instant; pull it before the
	// store changes so the sweeper re-dispatches against the new one.
	if err := p.queue.Remove(ctx, newKey); err != nil {
		return fmt.Errorf("remove queued job %s: %w", newKey, err)
	}
	_, err = p.store.UpdateSchedule(ctx, record.ID, record.ScheduledDate, scheduledFor)
	if errors.Is(err, storage.ErrScheduleLocked) {
		// In flight or finished; the old projection stands.
		log.Printf("planner: %s is %s, leaving schedule as is", newKey, record.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", newKey, err)
	}
	log.Printf("planner: moved %s to %s", newKey, scheduledFor.Format(time.RFC3339))

	// Rescheduling can move a PENDING record into the past, and the next sweep
	// is up to an hour away. Dispatch it now.
	if record.Status == types.StatusPending && !scheduledFor.After(p.now().UTC()) {
		created, err := p.queue.Enqueue(ctx, dispatch.Job{
			ID:           newKey,
			RecipientID:  r.ID,
			ScheduledFor: scheduledFor,
			TraceID:      event.TraceID,
		}, 0)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", newKey, err)
		}
		if created {
			log.Printf("planner: dispatched %s immediately", newKey)
		}
	}
	return nil
}

// cancelUpcoming fails the recipient's upcoming record, if it is still
// cancellable, using the projection r carried at the time its record was
// planned. The queued job is removed before the record is touched so a
// worker cannot claim it mid-cancel. Records in PROCESSING or SENT are never
// cancelled.
func (p *Planner) cancelUpcoming(ctx context.Context, r *types.Recipient, reason string) error {
	if r == nil {
		return nil
	}
	key, _, err := p.upcomingKey(r)
	if err != nil {
		return err
	}

	record, err := p.store.FindByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}

	switch record.Status {
	case types.StatusUnprocessed, types.StatusPending, types.StatusRetrying:
	default:
		return nil
	}

	if err := p.queue.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove queued job %s: %w", key, err)
	}
	_, err = p.store.Transition(ctx, record.ID, types.StatusFailed, reason)
	if errors.Is(err, storage.ErrInvalidTransition) {
		// Claimed between the read and the write; the worker owns it now.
		log.Printf("planner: %s moved concurrently, not cancelling", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	log.Printf("planner: cancelled %s: %s", key, reason)
	return nil
}

// upcomingKey computes the idempotency key and UTC instant of the
// recipient's next occurrence as the planner would schedule it today.
func (p *Planner) upcomingKey(r *types.Recipient) (string, time.Time, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("recipient %s has invalid timezone %q: %w", r.ID, r.Timezone, err)
	}
	month, day, err := r.BirthMonthDay()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("recipient %s: %w", r.ID, err)
	}
	localDate, scheduledFor := occurrence.Next(month, day, loc, p.now().UTC(), p.hour)
	return types.IdempotencyKey(r.ID, types.MessageBirthday, localDate), scheduledFor, nil
}
