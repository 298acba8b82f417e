// Package mailer sends rendered messages to the external email HTTP API,
// wrapped in a circuit breaker so a failing provider sheds load fast instead
// of tying workers up in timeouts.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// DefaultEndpoint is the email API send endpoint used when none is
	// configured.
	DefaultEndpoint = "https://email-service.digitalenvision.com.au/send-email"

	// DefaultTimeout bounds a single send attempt.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

// ErrKind classifies a send failure for the retry policy.
type ErrKind int

const (
	// KindTransient failures (5xx, timeouts, connection errors, open
	// breaker) are worth retrying.
	KindTransient ErrKind = iota
	// KindPermanent failures (4xx) will not succeed on retry.
	KindPermanent
)

// SendError is a classified delivery failure.
type SendError struct {
	Kind       ErrKind
	StatusCode int // 0 when no HTTP response was received
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("email send failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("email API returned %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("email API returned %d", e.StatusCode)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient reports whether the failure is retriable.
func (e *SendError) Transient() bool { return e.Kind == KindTransient }

// Client posts messages to the email API.
type Client struct {
	endpoint   string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client (tests inject one here).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a mailer targeting endpoint with the given attempt timeout.
// Zero values fall back to the defaults.
func New(endpoint string, timeout time.Duration, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "email-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.5
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	statusCode int
	body       string
}

// sendRequest is the JSON body the email API expects.
type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// Send posts one message. A nil return means the API accepted it (2xx). All
// failures come back as *SendError; check Transient() to pick between retry
// and permanent failure.
//
// Only network errors, timeouts, and 5xx responses count as breaker
// failures. 4xx responses are the caller's problem, not the provider's, so
// they pass through the breaker as successes and are classified afterwards.
func (c *Client) Send(ctx context.Context, email, message string) error {
	payload, err := json.Marshal(sendRequest{Email: email, Message: message})
	if err != nil {
		return &SendError{Kind: KindPermanent, Err: fmt.Errorf("marshal request: %w", err)}
	}

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &SendError{Kind: KindTransient, Err: fmt.Errorf("email circuit open: %w", err)}
		}
		var sendErr *SendError
		if errors.As(err, &sendErr) {
			return sendErr
		}
		return &SendError{Kind: KindTransient, Err: err}
	}

	resp := res.(*apiResponse)
	if resp.statusCode >= 200 && resp.statusCode < 300 {
		return nil
	}
	return &SendError{Kind: KindPermanent, StatusCode: resp.statusCode, Body: resp.body}
}

// post performs one HTTP attempt. It returns an error only for conditions
// that should count against the breaker: connection failures, timeouts, and
// 5xx responses.
func (c *Client) post(ctx context.Context, payload []byte) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &SendError{Kind: KindPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &SendError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 500 {
		return nil, &SendError{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	return &apiResponse{statusCode: resp.StatusCode, body: string(body)}, nil
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}
