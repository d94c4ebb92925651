package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/pacsgate/pkg/contextkeys"
)

// Logger is implemented by every audit sink.
type Logger interface {
	Log(ctx context.Context, event *AuditEvent) error
	LogDecision(ctx context.Context, decision Decision) error
	// LogAdminAction records a change to conditions, bindings or grants made
	// by actorID.
	LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) error
	// Close flushes buffered events.
	Close() error
}

// NewNoOpLogger returns a logger that discards everything. It stands in
// when no sink is configured.
func NewNoOpLogger() Logger {
	return discard{}
}

type discard struct{}

func (discard) Log(context.Context, *AuditEvent) error { return nil }
func (discard) LogDecision(context.Context, Decision) error { return nil }
func (discard) Close() error { return nil }

func (discard) LogAdminAction(context.Context, EventType, *int64, *int64, string, string) error {
	return nil
}

// adminEvent is the entry every sink writes for LogAdminAction. The request
// id ties it to the HTTP call that made the change.
func adminEvent(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) *AuditEvent {
	return &AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Status:      EventStatusSuccess,
		UserID:      actorID,
		ProjectID:   projectID,
		ResourceUID: resourceUID,
		RequestID:   contextkeys.GetRequestID(ctx),
		Message:     message,
	}
}
