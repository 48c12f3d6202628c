// Package storage defines persistence contracts for messaging state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested messaging record is missing.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
var ErrAlreadyExists = errors.New("record already exists")

// Message stores one message inside a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Kind           string
	Body           string
	CreatedAt      time.Time
}

// MessagePage stores one recency-ordered page of messages.
type MessagePage struct {
	Messages      []Message
	NextPageToken string
}

// Conversation stores one conversation summary with its participant set.
type Conversation struct {
	ID             string
	Topic          string
	ParticipantIDs []string
	LastMessageAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveTimestamp returns the recency rank for a conversation list:
// the last message time when present, otherwise the summary update time.
func (c Conversation) EffectiveTimestamp() time.Time {
	if !c.LastMessageAt.IsZero() {
		return c.LastMessageAt
	}
	return c.UpdatedAt
}

// AuditEvent records one operational event for observability.
type AuditEvent struct {
	EventName      string
	Severity       string
	ConversationID string
	ActorID        string
	TraceID        string
	SpanID         string
	Detail         string
	Timestamp      time.Time
}

// MessageStore persists conversation messages.
type MessageStore interface {
	AppendMessage(ctx context.Context, message Message) error
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// UpdateMessageBody replaces the body of an existing message.
	UpdateMessageBody(ctx context.Context, conversationID string, messageID string, body string) error
	DeleteMessage(ctx context.Context, conversationID string, messageID string) error
	// ListMessages returns up to limit messages for the conversation,
	// newest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListMessagesBefore returns up to limit messages created strictly
	// before the given instant, newest first.
	ListMessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error)
}

// ConversationStore persists conversation summaries and membership.
type ConversationStore interface {
	PutConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, conversationID string) (Conversation, error)
	// TouchConversationLastMessage advances the last-message timestamp for
	// a conversation, leaving it unchanged if the stored value is newer.
	TouchConversationLastMessage(ctx context.Context, conversationID string, lastMessageAt time.Time) error
	// ListConversations returns every conversation the user participates
	// in, ordered by effective timestamp descending.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// AuditEventStore persists operational audit events.
type AuditEventStore interface {
	AppendAuditEvent(ctx context.Context, event AuditEvent) error
}
