package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// AppendAuditEvent records one operational audit event.
func (s *Store) AppendAuditEvent(ctx context.Context, event storage.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	eventName := strings.TrimSpace(event.EventName)
	if eventName == "" {
		return fmt.Errorf("event name is required")
	}
	severity := strings.TrimSpace(event.Severity)
	if severity == "" {
		severity = "INFO"
	}
	timestamp := event.Timestamp.UTC()
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO audit_events (
		   event_name, severity, conversation_id, actor_id,
		   trace_id, span_id, detail, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		eventName,
		severity,
		strings.TrimSpace(event.ConversationID),
		strings.TrimSpace(event.ActorID),
		strings.TrimSpace(event.TraceID),
		strings.TrimSpace(event.SpanID),
		event.Detail,
		toMillis(timestamp),
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
