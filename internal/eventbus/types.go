package eventbus

import (
	"time"

	"github.com/candleworks/candle/internal/types"
)

// EventType identifies a recipient-lifecycle event flowing through the bus.
type EventType string

const (
	EventRecipientCreated EventType = "recipient.created"
	EventRecipientUpdated EventType = "recipient.updated"
	EventRecipientDeleted EventType = "recipient.deleted"
)

// Event is one recipient-lifecycle notification. For updates, OldRecipient
// carries the projection before the change so subscribers can diff.
type Event struct {
	Type         EventType        `json:"type"`
	TraceID      string           `json:"trace_id"`
	Recipient    *types.Recipient `json:"user"`
	OldRecipient *types.Recipient `json:"oldUser,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// BirthDateChanged reports whether an update event changed the birth date.
func (e *Event) BirthDateChanged() bool {
	return e.OldRecipient != nil && e.Recipient != nil &&
		e.OldRecipient.BirthDate != e.Recipient.BirthDate
}

// TimezoneChanged reports whether an update event changed the timezone.
func (e *Event) TimezoneChanged() bool {
	return e.OldRecipient != nil && e.Recipient != nil &&
		e.OldRecipient.Timezone != e.Recipient.Timezone
}
