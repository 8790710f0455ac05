// Package delivery performs single outbound HTTP attempts against destinations.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/zachbroad/hookrelay/internal/model"
	"github.com/zachbroad/hookrelay/internal/signing"
)

// MaxResponseBody bounds how much of a receiver's response is kept.
const MaxResponseBody = 4096

// ErrBreakerOpen is reported when a destination's circuit breaker rejected
// the attempt without a network call.
var ErrBreakerOpen = errors.New("circuit breaker is open")

type Config struct {
	// RetryOnHTTPError classifies non-2xx responses as failures. By default
	// any HTTP response counts as delivered and only transport errors fail.
	RetryOnHTTPError bool
	// BreakerThreshold is the number of consecutive failures that opens a
	// destination's breaker. Zero disables breakers.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Outcome is the result of one attempt. Err is nil exactly when Delivered.
type Outcome struct {
	Delivered  bool
	StatusCode *int
	Body       *string
	Duration   time.Duration
	Err        error
}

type Executor struct {
	client *http.Client
	cfg    Config

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
}

// NewHTTPClient returns a client tuned for many short-lived calls to a
// moderate number of hosts. Deadlines come from each destination.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func New(client *http.Client, cfg Config) *Executor {
	if client == nil {
		client = NewHTTPClient()
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Executor{
		client:   client,
		cfg:      cfg,
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker),
	}
}

type envelope struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Headers json.RawMessage `json:"headers"`
}

// Attempt posts the event to the destination once. It never returns an
// error: every failure is described by the Outcome.
func (e *Executor) Attempt(ctx context.Context, dest *model.Destination, event *model.Event, attempt int) Outcome {
	start := time.Now()

	body, err := json.Marshal(envelope{ID: event.UID, Data: nonEmpty(event.Payload), Headers: nonEmpty(event.Headers)})
	if err != nil {
		return Outcome{Duration: time.Since(start), Err: fmt.Errorf("encode body: %w", err)}
	}

	var out Outcome
	call := func() (interface{}, error) {
		out = e.send(ctx, dest, event.UID, attempt, body)
		return nil, out.Err
	}

	if cb := e.breaker(dest.ID); cb != nil {
		_, err := cb.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Outcome{Duration: time.Since(start), Err: fmt.Errorf("%w: %v", ErrBreakerOpen, err)}
		}
	} else {
		call()
	}

	out.Duration = time.Since(start)
	return out
}

func (e *Executor) send(ctx context.Context, dest *model.Destination, uid string, attempt int, body []byte) Outcome {
	timeout := dest.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Err: fmt.Errorf("build request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookrelay/1")
	req.Header.Set("X-Webhook-Id", uid)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	if dest.Secret != nil {
		signing.Apply(req.Header, body, *dest.Secret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{Err: fmt.Errorf("timeout after %s: %w", timeout, err)}
		}
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	respBody := sanitize(raw)
	code := resp.StatusCode

	if e.cfg.RetryOnHTTPError && (code < 200 || code >= 300) {
		return Outcome{StatusCode: &code, Body: &respBody, Err: fmt.Errorf("HTTP %d", code)}
	}
	return Outcome{Delivered: true, StatusCode: &code, Body: &respBody}
}

func (e *Executor) breaker(id uuid.UUID) *gobreaker.CircuitBreaker {
	if e.cfg.BreakerThreshold <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cb, ok := e.breakers[id]
	if !ok {
		threshold := uint32(e.cfg.BreakerThreshold)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "destination:" + id.String(),
			MaxRequests: 1,
			Timeout:     e.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		e.breakers[id] = cb
	}
	return cb
}

func nonEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// sanitize makes a response body storable in a Postgres text column.
func sanitize(b []byte) string {
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}
