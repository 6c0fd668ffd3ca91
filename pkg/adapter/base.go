// pkg/adapter/base.go

package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/httpclient"
)

const (
	breakerCooldown     = 30 * time.Second
	breakerTripFailures = 5
)

// Stats counts outbound API traffic for one adapter instance.
type Stats struct {
	Calls    int64
	Failures int64
	LastCall time.Time
}

// Base carries the behavior every adapter shares: a rate limiter that
// enforces the configured requests-per-minute ceiling as a minimum spacing
// between calls, a circuit breaker in front of the tool's API, call
// statistics, and a JSON round-trip helper. Concrete adapters embed *Base
// and express their API surface on top of Do.
type Base struct {
	tool    string
	baseURL string
	token   string

	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	mu sync.Mutex
	st Stats
}

// NewBase wires the shared plumbing from a tool configuration.
func NewBase(cfg Config) *Base {
	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.DefaultClient()
	}
	return &Base{
		tool:    cfg.Tool,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(minInterval(cfg.RequestsPerMinute)), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Tool,
			MaxRequests: 1,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= breakerTripFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !tripsBreaker(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				otelzap.L().Warn("Adapter circuit breaker state change",
					zap.String("tool", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// minInterval converts a requests-per-minute ceiling into the minimum
// spacing between consecutive calls. Zero or negative disables limiting.
func minInterval(rpm int) time.Duration {
	if rpm <= 0 {
		return 0
	}
	return time.Minute / time.Duration(rpm)
}

// Slug returns the tool identifier this base was built for.
func (b *Base) Slug() string { return b.tool }

// Stats returns a snapshot of the call counters.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Do performs one JSON API call against the tool: it waits for the rate
// limiter, routes the request through the circuit breaker, and decodes the
// response body into out when out is non-nil. op names the logical operation
// for error reporting ("list_users").
func (b *Base) Do(ctx context.Context, op, method, path string, body, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &AdapterError{Tool: b.tool, Op: op, Fatal: true, Err: err}
	}

	b.mu.Lock()
	b.st.Calls++
	b.st.LastCall = time.Now()
	b.mu.Unlock()

	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.roundTrip(ctx, method, path, body, out)
	})
	if err != nil {
		b.mu.Lock()
		b.st.Failures++
		b.mu.Unlock()
		return &AdapterError{Tool: b.tool, Op: op, Fatal: isCredentialErr(err), Err: err}
	}
	return nil
}

func (b *Base) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: truncate(string(data), 200)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// statusError preserves the HTTP status of a failed call so classification
// can distinguish credential problems from transient ones.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// IsNotFound reports whether err is an HTTP 404 from the tool API, letting
// adapters treat vanished entities as skippable instead of failed.
func IsNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// isCredentialErr reports failures that no retry or skip will fix: the
// token is wrong or lacks permission, so the whole run should stop.
func isCredentialErr(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusUnauthorized || se.code == http.StatusForbidden
	}
	return false
}

// tripsBreaker reports whether a failure should count toward opening the
// circuit: transport errors, throttling, and server-side errors do;
// client-side statuses like 404 describe the entity, not the tool's health.
func tripsBreaker(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
