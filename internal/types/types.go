// Package types holds the value types shared across the delivery engine.
//
// The concrete storage implementation lives in internal/storage/sqlite.
// This package holds the record and recipient types that are referenced by
// both the storage layer and its consumers (planner, sweeper, worker).
package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a scheduled send.
type Status string

const (
	// StatusUnprocessed is the initial state for occurrences on a future date.
	StatusUnprocessed Status = "UNPROCESSED"
	// StatusPending means the occurrence falls today and is eligible for dispatch.
	StatusPending Status = "PENDING"
	// StatusProcessing means a worker holds the record for an active attempt.
	StatusProcessing Status = "PROCESSING"
	// StatusSent is terminal: the external endpoint accepted the message.
	StatusSent Status = "SENT"
	// StatusFailed is terminal: attempts exhausted, permanent upstream error,
	// or cancellation.
	StatusFailed Status = "FAILED"
	// StatusRetrying means the last attempt hit a transient error and the
	// dispatcher will re-deliver the job after backoff.
	StatusRetrying Status = "RETRYING"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUnprocessed, StatusPending, StatusProcessing,
		StatusSent, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions in normal
// operation. FAILED records with attempts remaining are re-examined on
// restart as a safety net, which is encoded in the transition table, not here.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// allowedTransitions is the single source of truth for the record state
// machine. FAILED -> PROCESSING exists only for the restart safety net: a
// record that failed mid-crash with attempts remaining may be retried.
var allowedTransitions = map[Status][]Status{
	StatusUnprocessed: {StatusPending, StatusFailed},
	StatusPending:     {StatusProcessing, StatusFailed},
	StatusProcessing:  {StatusSent, StatusRetrying, StatusFailed},
	StatusRetrying:    {StatusProcessing, StatusFailed},
	StatusFailed:      {StatusProcessing},
	StatusSent:        {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellation reasons recorded on FAILED records that were never, or are no
// longer, deliverable. The recovery sweep must not resurrect these.
const (
	CancelBirthdateChange      = "cancelled due to birthdate change"
	CancelTimezoneChange       = "cancelled due to timezone change"
	CancelRecipientUnavailable = "recipient unavailable"
)

// MessageType tags the kind of notification a scheduled send delivers.
type MessageType string

// MessageBirthday is the only message type shipped today. The key format and
// schema admit more without migration.
const MessageBirthday MessageType = "birthday"

// Recipient is a person the engine delivers to. The engine reads recipients
// only; writes happen through the CRUD surface, which emits bus events.
type Recipient struct {
	ID        string     `json:"id"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Email     string     `json:"email"`
	BirthDate string     `json:"birthDate"` // YYYY-MM-DD, no time component
	Timezone  string     `json:"timezone"`  // IANA identifier
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// FullName returns "First Last" with a single ASCII space, as rendered into
// the outbound message body.
func (r *Recipient) FullName() string {
	return r.FirstName + " " + r.LastName
}

// BirthdayMessage renders the outbound birthday greeting body.
func (r *Recipient) BirthdayMessage() string {
	return "Hey, " + r.FullName() + " it's your birthday"
}

// Deleted reports whether the recipient has been soft-deleted.
func (r *Recipient) Deleted() bool {
	return r.DeletedAt != nil
}

// BirthMonthDay parses the recipient's birth date into its recurring
// (month, day) pair.
func (r *Recipient) BirthMonthDay() (time.Month, int, error) {
	t, err := time.Parse("2006-01-02", r.BirthDate)
	if err != nil {
		return 0, 0, fmt.Errorf("parse birth date %q: %w", r.BirthDate, err)
	}
	return t.Month(), t.Day(), nil
}

// ScheduledSend is one planned delivery occurrence, keyed by its idempotency
// key. Records are created by the planner or the sweeper and finalised by the
// worker; they are never deleted on recipient soft-delete.
type ScheduledSend struct {
	ID             int64       `json:"id"`
	RecipientID    string      `json:"recipientId"`
	MessageType    MessageType `json:"messageType"`
	ScheduledDate  string      `json:"scheduledDate"` // local calendar date, YYYY-MM-DD
	ScheduledFor   time.Time   `json:"scheduledFor"`  // UTC projection of the local send time
	IdempotencyKey string      `json:"idempotencyKey"`
	Status         Status      `json:"status"`
	AttemptCount   int         `json:"attemptCount"`
	LastAttemptAt  *time.Time  `json:"lastAttemptAt,omitempty"`
	SentAt         *time.Time  `json:"sentAt,omitempty"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Cancelled reports whether the record was failed by cancellation rather
// than by exhausted or rejected delivery attempts.
func (s *ScheduledSend) Cancelled() bool {
	if s.Status != StatusFailed {
		return false
	}
	switch s.ErrorMessage {
	case CancelBirthdateChange, CancelTimezoneChange, CancelRecipientUnavailable:
		return true
	}
	return false
}

// IdempotencyKey builds the natural key for one (recipient, type, local date)
// occurrence. This string is the unit of duplicate suppression across the
// schedule store and the dispatcher.
func IdempotencyKey(recipientID string, mt MessageType, localDate string) string {
	return recipientID + ":" + string(mt) + ":" + localDate
}
