// Package audit records operational audit events for messaging traffic.
package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// Severity describes the audit severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event names emitted by the messaging gateway.
const (
	EventGatewayJoin   = "gateway.join"
	EventGatewaySend   = "gateway.send"
	EventGatewayDenied = "gateway.denied"
	EventCacheReset    = "cache.reset"
)

// Emitter records operational audit events.
type Emitter struct {
	store storage.AuditEventStore
	clock func() time.Time
}

// NewEmitter creates a new audit event emitter.
func NewEmitter(store storage.AuditEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an audit event. It is a no-op when the store is nil.
// The active trace span, when valid, is attached to the event.
func (e *Emitter) Emit(ctx context.Context, event storage.AuditEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		clock := e.clock
		if clock == nil {
			clock = time.Now
		}
		event.Timestamp = clock().UTC()
	}
	if event.TraceID == "" {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			event.TraceID = sc.TraceID().String()
			event.SpanID = sc.SpanID().String()
		}
	}
	if event.Severity == "" {
		event.Severity = string(SeverityInfo)
	}
	return e.store.AppendAuditEvent(ctx, event)
}
