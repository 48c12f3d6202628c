package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestAppendGetMessageRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-1", "u1", "u2")

	now := time.Date(2026, time.March, 4, 10, 30, 0, 0, time.UTC)
	input := storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "u1",
		Body:           "over and out",
		CreatedAt:      now,
	}
	if err := store.AppendMessage(context.Background(), input); err != nil {
		t.Fatalf("append message: %v", err)
	}

	got, err := store.GetMessage(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.ConversationID != "conv-1" {
		t.Fatalf("conversation_id = %q, want %q", got.ConversationID, "conv-1")
	}
	if got.Body != input.Body {
		t.Fatalf("body = %q, want %q", got.Body, input.Body)
	}
	if got.Kind != "text" {
		t.Fatalf("kind = %q, want default text", got.Kind)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestAppendMessageReturnsAlreadyExistsOnDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-dup", "u1")

	input := storage.Message{
		ID:             "msg-dup",
		ConversationID: "conv-dup",
		SenderID:       "u1",
		Body:           "first",
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.AppendMessage(context.Background(), input); err != nil {
		t.Fatalf("append message: %v", err)
	}
	err := store.AppendMessage(context.Background(), input)
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdateMessageBodyReplacesBody(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-edit", "u1")

	input := storage.Message{
		ID:             "msg-edit",
		ConversationID: "conv-edit",
		SenderID:       "u1",
		Body:           "before",
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.AppendMessage(context.Background(), input); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := store.UpdateMessageBody(context.Background(), "conv-edit", "msg-edit", "after"); err != nil {
		t.Fatalf("update message body: %v", err)
	}

	got, err := store.GetMessage(context.Background(), "msg-edit")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Body != "after" {
		t.Fatalf("body = %q, want %q", got.Body, "after")
	}
}

func TestUpdateMessageBodyNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	err := store.UpdateMessageBody(context.Background(), "conv-missing", "msg-missing", "body")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-list", "u1")
	base := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := storage.Message{
			ID:             "msg-" + string(rune('a'+i)),
			ConversationID: "conv-list",
			SenderID:       "u1",
			Body:           "hi",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	messages, err := store.ListMessages(context.Background(), "conv-list", 3)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-e" {
		t.Fatalf("expected newest message first, got %q", messages[0].ID)
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.After(messages[i-1].CreatedAt) {
			t.Fatal("expected non-increasing created_at order")
		}
	}
}

func TestListMessagesBeforeExcludesBoundary(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-page", "u1")
	base := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		msg := storage.Message{
			ID:             "msg-" + string(rune('a'+i)),
			ConversationID: "conv-page",
			SenderID:       "u1",
			Body:           "hi",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendMessage(context.Background(), msg); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	messages, err := store.ListMessagesBefore(context.Background(), "conv-page", base.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("list messages before: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages before boundary, got %d", len(messages))
	}
	if messages[0].ID != "msg-b" || messages[1].ID != "msg-a" {
		t.Fatalf("unexpected page order: %q, %q", messages[0].ID, messages[1].ID)
	}
}

func TestDeleteMessageNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-del", "u1")

	err := store.DeleteMessage(context.Background(), "conv-del", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutConversationReplacesParticipants(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-mem", "u1", "u2")

	updated := storage.Conversation{
		ID:             "conv-mem",
		Topic:          "channel 9",
		ParticipantIDs: []string{"u2", "u3", " u3 ", ""},
		UpdatedAt:      time.Now().UTC(),
	}
	if err := store.PutConversation(context.Background(), updated); err != nil {
		t.Fatalf("put conversation: %v", err)
	}

	got, err := store.GetConversation(context.Background(), "conv-mem")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Topic != "channel 9" {
		t.Fatalf("topic = %q, want %q", got.Topic, "channel 9")
	}
	if len(got.ParticipantIDs) != 2 || got.ParticipantIDs[0] != "u2" || got.ParticipantIDs[1] != "u3" {
		t.Fatalf("unexpected participants: %v", got.ParticipantIDs)
	}
}

func TestListConversationsOrdersByEffectiveTimestamp(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	base := time.Date(2026, time.March, 4, 9, 0, 0, 0, time.UTC)

	// conv-a has no messages and an old update; conv-b has a recent message.
	if err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             "conv-a",
		ParticipantIDs: []string{"u1"},
		CreatedAt:      base,
		UpdatedAt:      base,
	}); err != nil {
		t.Fatalf("put conv-a: %v", err)
	}
	if err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             "conv-b",
		ParticipantIDs: []string{"u1"},
		CreatedAt:      base,
		UpdatedAt:      base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("put conv-b: %v", err)
	}
	if err := store.TouchConversationLastMessage(context.Background(), "conv-b", base.Add(time.Hour)); err != nil {
		t.Fatalf("touch conv-b: %v", err)
	}

	conversations, err := store.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(conversations))
	}
	if conversations[0].ID != "conv-b" {
		t.Fatalf("expected conv-b first, got %q", conversations[0].ID)
	}
	if !conversations[0].LastMessageAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("last_message_at = %v, want %v", conversations[0].LastMessageAt, base.Add(time.Hour))
	}
}

func TestTouchConversationLastMessageNeverRewindsClock(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-touch", "u1")
	newer := time.Date(2026, time.March, 4, 15, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if err := store.TouchConversationLastMessage(context.Background(), "conv-touch", newer); err != nil {
		t.Fatalf("touch newer: %v", err)
	}
	if err := store.TouchConversationLastMessage(context.Background(), "conv-touch", older); err != nil {
		t.Fatalf("touch older: %v", err)
	}

	got, err := store.GetConversation(context.Background(), "conv-touch")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !got.LastMessageAt.Equal(newer) {
		t.Fatalf("last_message_at = %v, want %v", got.LastMessageAt, newer)
	}
}

func TestDeleteConversationCascadesMessages(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedConversation(t, store, "conv-gone", "u1")
	msg := storage.Message{
		ID:             "msg-gone",
		ConversationID: "conv-gone",
		SenderID:       "u1",
		Body:           "bye",
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := store.DeleteConversation(context.Background(), "conv-gone"); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}

	if _, err := store.GetMessage(context.Background(), "msg-gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected cascaded message delete, got %v", err)
	}
	if _, err := store.GetConversation(context.Background(), "conv-gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendAuditEventRequiresName(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	err := store.AppendAuditEvent(context.Background(), storage.AuditEvent{})
	if err == nil {
		t.Fatal("expected error for empty event name")
	}

	event := storage.AuditEvent{
		EventName:      "gateway.send",
		ConversationID: "conv-1",
		ActorID:        "u1",
	}
	if err := store.AppendAuditEvent(context.Background(), event); err != nil {
		t.Fatalf("append audit event: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "messaging.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func seedConversation(t *testing.T, store *Store, conversationID string, participantIDs ...string) {
	t.Helper()

	now := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	err := store.PutConversation(context.Background(), storage.Conversation{
		ID:             conversationID,
		ParticipantIDs: participantIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("seed conversation %s: %v", conversationID, err)
	}
}
