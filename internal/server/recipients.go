package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/candleworks/candle/internal/eventbus"
	"github.com/candleworks/candle/internal/occurrence"
	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/traceid"
	"github.com/candleworks/candle/internal/types"
)

// recipientRequest is the CRUD payload for creating or replacing a recipient.
type recipientRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	BirthDate string `json:"birthDate"`
	Timezone  string `json:"timezone"`
}

func (req *recipientRequest) validate() error {
	if strings.TrimSpace(req.FirstName) == "" {
		return errors.New("firstName is required")
	}
	if strings.TrimSpace(req.LastName) == "" {
		return errors.New("lastName is required")
	}
	if !strings.Contains(req.Email, "@") {
		return errors.New("email is not valid")
	}
	birth, err := time.Parse(occurrence.DateFormat, req.BirthDate)
	if err != nil {
		return fmt.Errorf("birthDate must be YYYY-MM-DD: %v", err)
	}
	if birth.After(time.Now().UTC()) {
		return errors.New("birthDate is in the future")
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil || req.Timezone == "" {
		return fmt.Errorf("timezone %q is not a valid IANA identifier", req.Timezone)
	}
	return nil
}

func (req *recipientRequest) apply(r *types.Recipient) {
	r.FirstName = strings.TrimSpace(req.FirstName)
	r.LastName = strings.TrimSpace(req.LastName)
	r.Email = strings.TrimSpace(req.Email)
	r.BirthDate = req.BirthDate
	r.Timezone = req.Timezone
}

func decodeRecipient(w http.ResponseWriter, r *http.Request) (*recipientRequest, bool) {
	var req recipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if err := req.validate(); err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &req, true
}

func (s *Server) handleCreateRecipient(w http.ResponseWriter, r *http.Request) {
	req, valid := decodeRecipient(w, r)
	if !valid {
		return
	}

	recipient := &types.Recipient{ID: uuid.NewString()}
	req.apply(recipient)

	ctx := r.Context()
	if err := s.store.CreateRecipient(ctx, recipient); err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			fail(w, http.StatusConflict, "email already in use")
			return
		}
		fail(w, http.StatusInternalServerError, "could not create user")
		return
	}

	s.bus.Publish(ctx, &eventbus.Event{
		Type:       eventbus.EventRecipientCreated,
		TraceID:    traceid.FromContext(ctx),
		Recipient:  recipient,
		OccurredAt: s.now().UTC(),
	})
	ok(w, http.StatusCreated, recipient)
}

func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	recipient, err := s.store.GetRecipient(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) || (err == nil && recipient.Deleted()) {
		fail(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load user")
		return
	}
	ok(w, http.StatusOK, recipient)
}

func (s *Server) handleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	current, err := s.store.GetRecipient(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && current.Deleted()) {
		fail(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load user")
		return
	}

	req, valid := decodeRecipient(w, r)
	if !valid {
		return
	}

	old := *current
	updated := *current
	req.apply(&updated)

	if err := s.store.UpdateRecipient(ctx, &updated); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateEmail):
			fail(w, http.StatusConflict, "email already in use")
		case errors.Is(err, storage.ErrNotFound):
			fail(w, http.StatusNotFound, "user not found")
		default:
			fail(w, http.StatusInternalServerError, "could not update user")
		}
		return
	}

	s.bus.Publish(ctx, &eventbus.Event{
		Type:         eventbus.EventRecipientUpdated,
		TraceID:      traceid.FromContext(ctx),
		Recipient:    &updated,
		OldRecipient: &old,
		OccurredAt:   s.now().UTC(),
	})
	ok(w, http.StatusOK, &updated)
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	current, err := s.store.GetRecipient(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && current.Deleted()) {
		fail(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		fail(w, http.StatusInternalServerError, "could not load user")
		return
	}

	if err := s.store.SoftDeleteRecipient(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(w, http.StatusNotFound, "user not found")
			return
		}
		fail(w, http.StatusInternalServerError, "could not delete user")
		return
	}

	s.bus.Publish(ctx, &eventbus.Event{
		Type:       eventbus.EventRecipientDeleted,
		TraceID:    traceid.FromContext(ctx),
		Recipient:  current,
		OccurredAt: s.now().UTC(),
	})
	ok(w, http.StatusOK, map[string]string{"id": id})
}
