// Package eventbus dispatches recipient-lifecycle events to registered
// handlers. It is a local channel-free in-process bus: publishers never block
// on subscriber completion, and one handler's failure never prevents the rest
// from running.
package eventbus

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Bus fans events out to registered handlers asynchronously. Handlers for one
// event run sequentially in priority order inside a single goroutine; distinct
// events fan out independently.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus. Handlers are sorted by priority on each
// Publish call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to all handlers that handle its type and returns
// immediately. The fan-out runs on a context detached from the caller's:
// request contexts die as soon as the response is written, and handlers must
// outlive them. Context values (trace id) carry over. Handler errors are
// logged with the event's trace id.
func (b *Bus) Publish(ctx context.Context, event *Event) {
	if event == nil {
		log.Printf("eventbus: dropped nil event")
		return
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	fanout := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for _, h := range matching {
			if err := h.Handle(fanout, event); err != nil {
				log.Printf("eventbus: handler %q error for %s (trace %s): %v",
					h.ID(), event.Type, event.TraceID, err)
			}
		}
	}()
}

// Drain blocks until all in-flight fan-outs have completed. Used on shutdown
// and in tests.
func (b *Bus) Drain() {
	b.wg.Wait()
}

// Handlers returns all registered handlers (for introspection).
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the event type, sorted by priority
// (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
