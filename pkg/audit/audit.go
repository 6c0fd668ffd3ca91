/* pkg/audit/audit.go */

// Package audit records the engine's append-only event trail. Writes are
// best-effort by contract: a failing sink is logged and skipped, never
// blocking or failing the operation that produced the event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeDiscovery      = "discovery"
	TypeSync           = "sync"
	TypeConflict       = "conflict"
	TypeConnectionTest = "connection_test"
)

// Event categories.
const (
	CategoryUsers  = "users"
	CategoryGroups = "groups"
	CategorySystem = "system"
)

// Event is one audit entry. CorrelationID groups the sub-events of a single
// logical operation; Record assigns one when left empty.
type Event struct {
	Type          string        `json:"type"`
	Category      string        `json:"category"`
	Actor         string        `json:"actor"`
	CorrelationID string        `json:"correlation_id"`
	ServerID      *uint         `json:"server_id,omitempty"`
	ConfigID      *uint         `json:"config_id,omitempty"`
	JobID         string        `json:"job_id,omitempty"`
	Success       bool          `json:"success"`
	Detail        string        `json:"detail,omitempty"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Name() string
}

// Recorder fans events out to its sinks.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// NewCorrelationID returns a fresh correlation id for grouping sub-events.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Record writes the event to every sink. Failures are logged locally and
// swallowed.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.CorrelationID == "" {
		event.CorrelationID = NewCorrelationID()
	}

	log := otelzap.Ctx(ctx)
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, event); err != nil {
			log.Warn("Audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("event_type", event.Type),
				zap.String("correlation_id", event.CorrelationID),
				zap.Error(err))
		}
	}
}
