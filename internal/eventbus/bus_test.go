package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/candleworks/candle/internal/types"
)

type recordingHandler struct {
	id       string
	handles  []EventType
	priority int
	err      error

	mu   sync.Mutex
	seen []EventType
}

func (h *recordingHandler) ID() string           { return h.id }
func (h *recordingHandler) Handles() []EventType { return h.handles }
func (h *recordingHandler) Priority() int        { return h.priority }

func (h *recordingHandler) Handle(ctx context.Context, event *Event) error {
	h.mu.Lock()
	h.seen = append(h.seen, event.Type)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func event(t EventType) *Event {
	return &Event{
		Type:       t,
		TraceID:    "trace-1",
		Recipient:  &types.Recipient{ID: "u1"},
		OccurredAt: time.Now().UTC(),
	}
}

func TestPublishDeliversToMatchingHandlers(t *testing.T) {
	bus := New()
	created := &recordingHandler{id: "a", handles: []EventType{EventRecipientCreated}}
	deleted := &recordingHandler{id: "b", handles: []EventType{EventRecipientDeleted}}
	bus.Register(created)
	bus.Register(deleted)

	bus.Publish(context.Background(), event(EventRecipientCreated))
	bus.Drain()

	if created.count() != 1 {
		t.Errorf("created handler saw %d events, want 1", created.count())
	}
	if deleted.count() != 0 {
		t.Errorf("deleted handler saw %d events, want 0", deleted.count())
	}
}

func TestHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New()
	failing := &recordingHandler{
		id: "failing", priority: 1,
		handles: []EventType{EventRecipientCreated},
		err:     errors.New("boom"),
	}
	after := &recordingHandler{
		id: "after", priority: 2,
		handles: []EventType{EventRecipientCreated},
	}
	bus.Register(failing)
	bus.Register(after)

	bus.Publish(context.Background(), event(EventRecipientCreated))
	bus.Drain()

	if after.count() != 1 {
		t.Errorf("handler after failure saw %d events, want 1", after.count())
	}
}

func TestPublishOutlivesCallerContext(t *testing.T) {
	bus := New()
	release := make(chan struct{})
	gate := &funcHandler{id: "gate", priority: 1, fn: func() { <-release }}
	after := &recordingHandler{
		id: "after", priority: 2,
		handles: []EventType{EventRecipientCreated},
	}
	bus.Register(gate)
	bus.Register(after)

	// An HTTP request context is cancelled the moment the response is written,
	// which is immediately after Publish returns.
	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, event(EventRecipientCreated))
	cancel()
	close(release)
	bus.Drain()

	if after.count() != 1 {
		t.Errorf("handler after cancellation saw %d events, want 1", after.count())
	}
}

func TestHandlersRunInPriorityOrder(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	var order []string

	mk := func(id string, priority int) Handler {
		return &funcHandler{id: id, priority: priority, fn: func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}}
	}
	// Registered out of order on purpose.
	bus.Register(mk("third", 30))
	bus.Register(mk("first", 10))
	bus.Register(mk("second", 20))

	bus.Publish(context.Background(), event(EventRecipientCreated))
	bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

type funcHandler struct {
	id       string
	priority int
	fn       func()
}

func (h *funcHandler) ID() string           { return h.id }
func (h *funcHandler) Handles() []EventType { return []EventType{EventRecipientCreated} }
func (h *funcHandler) Priority() int        { return h.priority }
func (h *funcHandler) Handle(ctx context.Context, event *Event) error {
	h.fn()
	return nil
}

func TestDiffHelpers(t *testing.T) {
	oldR := &types.Recipient{ID: "u1", BirthDate: "1990-07-04", Timezone: "UTC"}
	newR := &types.Recipient{ID: "u1", BirthDate: "1990-09-10", Timezone: "Asia/Tokyo"}

	e := &Event{Type: EventRecipientUpdated, Recipient: newR, OldRecipient: oldR}
	if !e.BirthDateChanged() {
		t.Error("BirthDateChanged() = false")
	}
	if !e.TimezoneChanged() {
		t.Error("TimezoneChanged() = false")
	}

	same := &Event{Type: EventRecipientUpdated, Recipient: oldR, OldRecipient: oldR}
	if same.BirthDateChanged() || same.TimezoneChanged() {
		t.Error("no-op update reported a change")
	}

	created := &Event{Type: EventRecipientCreated, Recipient: newR}
	if created.BirthDateChanged() || created.TimezoneChanged() {
		t.Error("create event reported a change")
	}
}
