package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candleworks/candle/internal/dispatch"
	"github.com/candleworks/candle/internal/eventbus"
	"github.com/candleworks/candle/internal/planner"
	"github.com/candleworks/candle/internal/storage/sqlite"
	"github.com/candleworks/candle/internal/sweeper"
	"github.com/candleworks/candle/internal/traceid"
	"github.com/candleworks/candle/internal/types"
)

type env struct {
	store   *sqlite.Store
	bus     *eventbus.Bus
	queue   *dispatch.Queue
	router  http.Handler
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	tick := func() time.Time { return now }

	queue := dispatch.NewWithClient(client, dispatch.WithClock(tick))
	bus := eventbus.New()
	bus.Register(planner.New(store, queue, 9, planner.WithClock(tick)))
	sw := sweeper.New(store, queue, 9, sweeper.WithClock(tick))

	srv := New(store, bus, sw, queue, WithClock(tick))
	return &env{store: store, bus: bus, queue: queue, router: srv.Router(), now: now}
}

func (e *env) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) responseEnvelope {
	t.Helper()
	var env responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func validBody() map[string]string {
	return map[string]string{
		"firstName": "Jane",
		"lastName":  "Doe",
		"email":     "jane@example.com",
		"birthDate": "1990-07-04",
		"timezone":  "America/New_York",
	}
}

func TestCreateRecipientPlansSchedule(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/user", validBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(traceid.Header))

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	var created types.Recipient
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)

	e.bus.Drain()
	record, err := e.store.FindByKey(context.Background(),
		types.IdempotencyKey(created.ID, types.MessageBirthday, "2024-07-04"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnprocessed, record.Status)
}

func TestCreateRecipientPlansAfterResponseWritten(t *testing.T) {
	e := newEnv(t)
	// A real server, not ServeHTTP: net/http cancels the request context as
	// soon as the handler returns, and planning must happen anyway.
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(validBody()))
	resp, err := http.Post(srv.URL+"/user", "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env responseEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	var created types.Recipient
	require.NoError(t, json.Unmarshal(env.Data, &created))

	e.bus.Drain()
	record, err := e.store.FindByKey(context.Background(),
		types.IdempotencyKey(created.ID, types.MessageBirthday, "2024-07-04"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnprocessed, record.Status)
}

func TestCreateRecipientValidation(t *testing.T) {
	e := newEnv(t)

	cases := map[string]func(m map[string]string){
		"missing first name": func(m map[string]string) { m["firstName"] = "" },
		"bad email":          func(m map[string]string) { m["email"] = "not-an-email" },
		"bad birth date":     func(m map[string]string) { m["birthDate"] = "07/04/1990" },
		"future birth date":  func(m map[string]string) { m["birthDate"] = "2999-01-01" },
		"bad timezone":       func(m map[string]string) { m["timezone"] = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			body := validBody()
			mutate(body)
			rec := e.do(t, http.MethodPost, "/user", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, decodeEnvelope(t, rec).Success)
		})
	}
}

func TestCreateRecipientDuplicateEmail(t *testing.T) {
	e := newEnv(t)

	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/user", validBody()).Code)
	rec := e.do(t, http.MethodPost, "/user", validBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRecipient(t *testing.T) {
	e := newEnv(t)

	created := decodeEnvelope(t, e.do(t, http.MethodPost, "/user", validBody()))
	var r types.Recipient
	require.NoError(t, json.Unmarshal(created.Data, &r))

	rec := e.do(t, http.MethodGet, "/user/"+r.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/user/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateBirthDateReplansSchedule(t *testing.T) {
	e := newEnv(t)

	created := decodeEnvelope(t, e.do(t, http.MethodPost, "/user", validBody()))
	var r types.Recipient
	require.NoError(t, json.Unmarshal(created.Data, &r))
	e.bus.Drain()

	body := validBody()
	body["birthDate"] = "1990-09-10"
	rec := e.do(t, http.MethodPut, "/user/"+r.ID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	e.bus.Drain()

	ctx := context.Background()
	old, err := e.store.FindByKey(ctx, types.IdempotencyKey(r.ID, types.MessageBirthday, "2024-07-04"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, old.Status)
	assert.Equal(t, types.CancelBirthdateChange, old.ErrorMessage)

	fresh, err := e.store.FindByKey(ctx, types.IdempotencyKey(r.ID, types.MessageBirthday, "2024-09-10"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnprocessed, fresh.Status)
}

func TestDeleteRecipientCancelsSchedule(t *testing.T) {
	e := newEnv(t)

	created := decodeEnvelope(t, e.do(t, http.MethodPost, "/user", validBody()))
	var r types.Recipient
	require.NoError(t, json.Unmarshal(created.Data, &r))
	e.bus.Drain()

	rec := e.do(t, http.MethodDelete, "/user/"+r.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	e.bus.Drain()

	record, err := e.store.FindByKey(context.Background(),
		types.IdempotencyKey(r.ID, types.MessageBirthday, "2024-07-04"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, record.Status)
	assert.Equal(t, types.CancelRecipientUnavailable, record.ErrorMessage)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/user/"+r.ID, nil).Code)
}

func TestManualTriggerReturnsSummary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// One recipient whose birthday is today and already past the send hour,
	// and one whose send hour has not arrived yet. The trigger dispatches
	// both; it does not wait for send times.
	require.NoError(t, e.store.CreateRecipient(ctx, &types.Recipient{
		ID:        "u1",
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "u1@example.com",
		BirthDate: "1990-01-15",
		Timezone:  "Asia/Tokyo", // 09:00 JST = 00:00 UTC, well before noon
	}))
	require.NoError(t, e.store.CreateRecipient(ctx, &types.Recipient{
		ID:        "u2",
		FirstName: "John",
		LastName:  "Doe",
		Email:     "u2@example.com",
		BirthDate: "1985-01-15",
		Timezone:  "America/New_York", // 09:00 EST = 14:00 UTC, after noon
	}))

	rec := e.do(t, http.MethodPost, "/manual/send-birthday-message", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary sweeper.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 0, summary.SkippedNotDue)
	assert.Equal(t, 0, summary.Failed)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		job, err := e.queue.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		got[job.ID] = true
	}
	assert.True(t, got["u1:birthday:2024-01-15"])
	assert.True(t, got["u2:birthday:2024-01-15"])
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTraceIDIsHonoured(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(traceid.Header, "trace-123")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(traceid.Header))
}
