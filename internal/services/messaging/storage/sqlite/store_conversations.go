package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// PutConversation inserts or replaces one conversation summary together with
// its participant set.
func (s *Store) PutConversation(ctx context.Context, conversation storage.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID := strings.TrimSpace(conversation.ID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	participants := normalizeParticipants(conversation.ParticipantIDs)
	if len(participants) == 0 {
		return fmt.Errorf("at least one participant is required")
	}

	createdAt := conversation.CreatedAt.UTC()
	updatedAt := conversation.UpdatedAt.UTC()
	if createdAt.IsZero() && updatedAt.IsZero() {
		createdAt = time.Now().UTC()
		updatedAt = createdAt
	} else {
		if createdAt.IsZero() {
			createdAt = updatedAt
		}
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}
	}

	var lastMessageAt any
	if !conversation.LastMessageAt.IsZero() {
		lastMessageAt = toMillis(conversation.LastMessageAt)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put conversation: %w", err)
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO conversations (id, topic, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   topic = excluded.topic,
		   last_message_at = excluded.last_message_at,
		   updated_at = excluded.updated_at`,
		conversationID,
		strings.TrimSpace(conversation.Topic),
		lastMessageAt,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("put conversation: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = ?`,
		conversationID,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset conversation participants: %w", err)
	}
	for _, userID := range participants {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conversationID,
			userID,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put conversation participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation summary including participants.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Conversation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Conversation{}, fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, fmt.Errorf("conversation id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, topic, last_message_at, created_at, updated_at
		   FROM conversations
		  WHERE id = ?`,
		conversationID,
	)
	conversation, err := scanConversation(row)
	if err != nil {
		return storage.Conversation{}, err
	}

	participants, err := s.conversationParticipants(ctx, conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	conversation.ParticipantIDs = participants
	return conversation, nil
}

// TouchConversationLastMessage advances the conversation's last-message
// timestamp. Older values never move the timestamp backwards.
func (s *Store) TouchConversationLastMessage(ctx context.Context, conversationID string, lastMessageAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if lastMessageAt.IsZero() {
		return fmt.Errorf("last message timestamp is required")
	}

	millis := toMillis(lastMessageAt)
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE conversations
		    SET last_message_at = ?,
		        updated_at = MAX(updated_at, ?)
		  WHERE id = ?
		    AND (last_message_at IS NULL OR last_message_at < ?)`,
		millis,
		millis,
		conversationID,
		millis,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if _, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListConversations returns every conversation the user participates in,
// ordered by effective timestamp descending.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT c.id, c.topic, c.last_message_at, c.created_at, c.updated_at
		   FROM conversations c
		   JOIN conversation_participants p ON p.conversation_id = c.id
		  WHERE p.user_id = ?
		  ORDER BY COALESCE(c.last_message_at, c.updated_at) DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []storage.Conversation
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	for i := range conversations {
		participants, err := s.conversationParticipants(ctx, conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].ParticipantIDs = participants
	}
	return conversations, nil
}

// DeleteConversation removes one conversation together with its messages and
// participant rows.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_participants WHERE conversation_id = ?`, conversationID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete conversation participants: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (s *Store) conversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

func scanConversation(row rowScanner) (storage.Conversation, error) {
	var conversation storage.Conversation
	var lastMessageAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&conversation.ID,
		&conversation.Topic,
		&lastMessageAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Conversation{}, storage.ErrNotFound
		}
		return storage.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	if lastMessageAt.Valid {
		conversation.LastMessageAt = fromMillis(lastMessageAt.Int64)
	}
	conversation.CreatedAt = fromMillis(createdAt)
	conversation.UpdatedAt = fromMillis(updatedAt)
	return conversation, nil
}

func normalizeParticipants(participantIDs []string) []string {
	seen := make(map[string]struct{}, len(participantIDs))
	var participants []string
	for _, userID := range participantIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		participants = append(participants, userID)
	}
	sort.Strings(participants)
	return participants
}
