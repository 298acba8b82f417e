// Package storage provides the shared contract for the schedule store.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// (planner, sweeper, worker, HTTP surface) depend on the Store interface so
// that alternative implementations can be substituted in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/candleworks/candle/internal/types"
)

// ErrNotFound is returned when a requested record or recipient does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating or updating a recipient with an
// email already used by another live recipient.
var ErrDuplicateEmail = errors.New("email already in use")

// ErrInvalidTransition is returned when a status change violates the record
// state machine, including the case where the record moved concurrently and
// no longer holds the status the caller observed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrScheduleLocked is returned by UpdateSchedule when the record has left
// {UNPROCESSED, PENDING} and its schedule may no longer be changed.
var ErrScheduleLocked = errors.New("schedule is no longer editable")

// Store is the durable surface the engine operates on. All operations commit
// before returning.
type Store interface {
	// CreateIfAbsent inserts the record keyed by its idempotency key. On
	// conflict the existing row is returned unchanged and created is false.
	CreateIfAbsent(ctx context.Context, rec *types.ScheduledSend) (out *types.ScheduledSend, created bool, err error)

	// FindByKey returns the record for the idempotency key, or ErrNotFound.
	FindByKey(ctx context.Context, key string) (*types.ScheduledSend, error)

	// FindPendingForLocalDate returns PENDING records whose local calendar
	// date equals localDate.
	FindPendingForLocalDate(ctx context.Context, localDate string) ([]*types.ScheduledSend, error)

	// FindDue returns records eligible for recovery dispatch: status in
	// {PENDING, RETRYING} or FAILED with attempts below maxAttempts, and
	// scheduled_for at or before cutoff.
	FindDue(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*types.ScheduledSend, error)

	// Transition applies the state machine. It asserts the current status,
	// increments attempt_count when entering PROCESSING, stamps
	// last_attempt_at on attempt-related transitions, sets sent_at and clears
	// error_message on SENT, and records errMsg on FAILED/RETRYING.
	Transition(ctx context.Context, id int64, to types.Status, errMsg string) (*types.ScheduledSend, error)

	// UpdateSchedule rewrites scheduled_date/scheduled_for. Valid only while
	// the record is UNPROCESSED or PENDING; otherwise ErrScheduleLocked.
	UpdateSchedule(ctx context.Context, id int64, localDate string, scheduledFor time.Time) (*types.ScheduledSend, error)

	// Recipient reads. The engine consumes only these; writes below back the
	// CRUD surface and live outside the engine proper.
	GetRecipient(ctx context.Context, id string) (*types.Recipient, error)
	ListLiveRecipients(ctx context.Context) ([]*types.Recipient, error)

	// Recipient writes (CRUD surface).
	CreateRecipient(ctx context.Context, r *types.Recipient) error
	UpdateRecipient(ctx context.Context, r *types.Recipient) error
	SoftDeleteRecipient(ctx context.Context, id string) error

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error
}
