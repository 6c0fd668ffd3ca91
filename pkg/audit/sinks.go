/* pkg/audit/sinks.go */

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

// StoreSink is the primary sink: events land in the repository.
type StoreSink struct {
	repo store.Repository
}

func NewStoreSink(repo store.Repository) *StoreSink {
	return &StoreSink{repo: repo}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, event Event) error {
	return s.repo.AppendAudit(ctx, &store.AuditEvent{
		CorrelationID: event.CorrelationID,
		EventType:     event.Type,
		Category:      event.Category,
		Actor:         event.Actor,
		ServerID:      event.ServerID,
		ConfigID:      event.ConfigID,
		JobID:         event.JobID,
		Success:       event.Success,
		Detail:        event.Detail,
		Error:         event.Error,
		DurationMS:    event.Duration.Milliseconds(),
	})
}

// HTTPSink forwards events to an external audit service as a secondary copy.
type HTTPSink struct {
	client *http.Client
	url    string
}

func NewHTTPSink(client *http.Client, url string) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSink{client: client, url: url}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Write(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward audit event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit service returned status %d", resp.StatusCode)
	}
	return nil
}

// RedisSink appends events to a Redis stream for downstream consumers.
type RedisSink struct {
	client *redis.Client
	stream string
}

func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	if stream == "" {
		stream = "hermes:audit"
	}
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"type":           event.Type,
			"correlation_id": event.CorrelationID,
			"success":        event.Success,
			"payload":        string(payload),
		},
	}).Err()
}
