// Package server exposes the HTTP surface: recipient CRUD, the manual
// delivery trigger, and health.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/candleworks/candle/internal/eventbus"
	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/sweeper"
	"github.com/candleworks/candle/internal/traceid"
)

// Trigger runs a sweep on demand. Implemented by the sweeper.
type Trigger interface {
	Sweep(ctx context.Context, mode sweeper.Mode) (*sweeper.Summary, error)
}

// Pinger reports backend connectivity. Implemented by the dispatch queue.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP handlers to the engine.
type Server struct {
	store   storage.Store
	bus     *eventbus.Bus
	trigger Trigger
	queue   Pinger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates the Server.
func New(store storage.Store, bus *eventbus.Bus, trigger Trigger, queue Pinger, opts ...Option) *Server {
	s := &Server{store: store, bus: bus, trigger: trigger, queue: queue, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.traceMiddleware)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/user", func(r chi.Router) {
		r.Post("/", s.handleCreateRecipient)
		r.Get("/{id}", s.handleGetRecipient)
		r.Put("/{id}", s.handleUpdateRecipient)
		r.Delete("/{id}", s.handleDeleteRecipient)
	})

	r.Post("/manual/send-birthday-message", s.handleManualTrigger)
	return r
}

// traceMiddleware threads a trace id through the request: inbound ids are
// honoured, otherwise one is minted, and either way it is echoed back.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(traceid.Header)
		if id == "" {
			id = traceid.New()
		}
		w.Header().Set(traceid.Header, id)
		next.ServeHTTP(w, r.WithContext(traceid.WithTrace(r.Context(), id)))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Printf("http: %s %s %d %s (trace %s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start),
			traceid.FromContext(r.Context()))
	})
}

// envelope is the uniform response shape for the CRUD surface.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func ok(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{"store": "ok", "queue": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": http.StatusText(status),
		"checks": checks,
	})
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	summary, err := s.trigger.Sweep(r.Context(), sweeper.ModeForce)
	if err != nil {
		log.Printf("http: manual trigger: %v (trace %s)", err, traceid.FromContext(r.Context()))
		fail(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
