package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// AppendMessage inserts one message record.
func (s *Store) AppendMessage(ctx context.Context, message storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID := strings.TrimSpace(message.ID)
	conversationID := strings.TrimSpace(message.ConversationID)
	senderID := strings.TrimSpace(message.SenderID)
	body := message.Body
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if senderID == "" {
		return fmt.Errorf("sender id is required")
	}
	kind := strings.TrimSpace(message.Kind)
	if kind == "" {
		kind = "text"
	}
	createdAt := message.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, kind, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		messageID,
		conversationID,
		senderID,
		kind,
		body,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// GetMessage returns one message by ID.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.Message{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, conversation_id, sender_id, kind, body, created_at
		   FROM messages
		  WHERE id = ?`,
		messageID,
	)
	return scanMessage(row)
}

// UpdateMessageBody replaces the body of an existing message.
func (s *Store) UpdateMessageBody(ctx context.Context, conversationID string, messageID string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE messages SET body = ? WHERE id = ? AND conversation_id = ?`,
		body,
		messageID,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message body: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMessage removes one message from a conversation.
func (s *Store) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM messages WHERE id = ? AND conversation_id = ?`,
		messageID,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListMessages returns up to limit messages for a conversation, newest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, conversation_id, sender_id, kind, body, created_at
		   FROM messages
		  WHERE conversation_id = ?
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		conversationID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListMessagesBefore returns up to limit messages created strictly before the
// given instant, newest first. Used for history paging.
func (s *Store) ListMessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if before.IsZero() {
		return nil, fmt.Errorf("before timestamp is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, conversation_id, sender_id, kind, body, created_at
		   FROM messages
		  WHERE conversation_id = ? AND created_at < ?
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		conversationID,
		toMillis(before),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (storage.Message, error) {
	var message storage.Message
	var createdAt int64
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Kind,
		&message.Body,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("scan message: %w", err)
	}
	message.CreatedAt = fromMillis(createdAt)
	return message, nil
}

func collectMessages(rows *sql.Rows) ([]storage.Message, error) {
	var messages []storage.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
