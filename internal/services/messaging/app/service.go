package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/wavelen/talkback/internal/platform/errors"
	"github.com/wavelen/talkback/internal/platform/id"
	"github.com/wavelen/talkback/internal/services/messaging/cache"
	"github.com/wavelen/talkback/internal/services/messaging/observability/audit"
	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// Service owns the conversation cache and keeps it consistent with the
// authoritative store. The cache itself is not synchronized, so every
// cache access runs under the service mutex.
type Service struct {
	mu            sync.Mutex
	cache         *cache.Cache
	messages      storage.MessageStore
	conversations storage.ConversationStore
	audit         *audit.Emitter
	now           func() time.Time
	newID         func() (string, error)
}

// SendMessageInput carries the caller-supplied fields for a new message.
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Kind           string
	Body           string
}

// NewService creates a messaging service backed by the given stores.
func NewService(messages storage.MessageStore, conversations storage.ConversationStore, auditEmitter *audit.Emitter) (*Service, error) {
	if messages == nil {
		return nil, errors.New("message store is required")
	}
	if conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	return &Service{
		cache:         cache.New(),
		messages:      messages,
		conversations: conversations,
		audit:         auditEmitter,
		now:           time.Now,
		newID:         id.NewID,
	}, nil
}

// Messages returns the cached recent messages for a conversation, reading
// through to the store on a cache miss.
func (s *Service) Messages(ctx context.Context, conversationID string) ([]storage.Message, error) {
	if s == nil {
		return nil, errors.New("messaging service is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok, err := s.cache.Messages(conversationID)
	if err != nil {
		return nil, err
	}
	if ok {
		return cached, nil
	}

	stored, err := s.messages.ListMessages(ctx, strings.TrimSpace(conversationID), cache.MaxMessagesPerConversation)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := s.cache.SetMessages(conversationID, stored); err != nil {
		return nil, err
	}
	cached, _, err = s.cache.Messages(conversationID)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// MessagesBefore pages older history directly from the store. Paged
// history bypasses the cache, which only holds the recent window.
func (s *Service) MessagesBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]storage.Message, error) {
	if s == nil {
		return nil, errors.New("messaging service is nil")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperrors.New(apperrors.CodeMessageEmptyConversationID, "conversation id is required")
	}
	messages, err := s.messages.ListMessagesBefore(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}
	return messages, nil
}

// Conversations returns the cached conversation list for a user, reading
// through to the store on a cache miss.
func (s *Service) Conversations(ctx context.Context, userID string) ([]storage.Conversation, error) {
	if s == nil {
		return nil, errors.New("messaging service is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok, err := s.cache.Conversations(userID)
	if err != nil {
		return nil, err
	}
	if ok {
		return cached, nil
	}

	stored, err := s.conversations.ListConversations(ctx, strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if err := s.cache.SetConversations(userID, stored); err != nil {
		return nil, err
	}
	cached, _, err = s.cache.Conversations(userID)
	if err != nil {
		return nil, err
	}
	return cached, nil
}

// SendMessage appends a message to the store, advances the conversation
// recency, and feeds both into the cache.
func (s *Service) SendMessage(ctx context.Context, input SendMessageInput) (storage.Message, error) {
	if s == nil {
		return storage.Message{}, errors.New("messaging service is nil")
	}
	conversationID := strings.TrimSpace(input.ConversationID)
	if conversationID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptyConversationID, "conversation id is required")
	}
	senderID := strings.TrimSpace(input.SenderID)
	if senderID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptySenderID, "sender id is required")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptyBody, "message body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageBodyTooLong, "message body is too long")
	}
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = "text"
	}

	messageID, err := s.newID()
	if err != nil {
		return storage.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	message := storage.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.messages.AppendMessage(ctx, message); err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	if err := s.conversations.TouchConversationLastMessage(ctx, conversationID, message.CreatedAt); err != nil {
		return storage.Message{}, fmt.Errorf("touch conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.AddMessage(message); err != nil {
		return storage.Message{}, err
	}
	s.refreshCachedConversation(ctx, conversationID)
	return message, nil
}

// EditMessage replaces a message body in the store and the cache.
func (s *Service) EditMessage(ctx context.Context, conversationID string, messageID string, body string) (storage.Message, error) {
	if s == nil {
		return storage.Message{}, errors.New("messaging service is nil")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptyConversationID, "conversation id is required")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptyID, "message id is required")
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageEmptyBody, "message body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		return storage.Message{}, apperrors.New(apperrors.CodeMessageBodyTooLong, "message body is too long")
	}

	if err := s.messages.UpdateMessageBody(ctx, conversationID, messageID, body); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Message{}, apperrors.Wrap(apperrors.CodeNotFound, "message not found", err)
		}
		return storage.Message{}, fmt.Errorf("update message body: %w", err)
	}
	message, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.UpdateMessage(message); err != nil {
		return storage.Message{}, err
	}
	return message, nil
}

// DeleteMessage removes a message from the store and the cache.
func (s *Service) DeleteMessage(ctx context.Context, conversationID string, messageID string) error {
	if s == nil {
		return errors.New("messaging service is nil")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyConversationID, "conversation id is required")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyID, "message id is required")
	}

	if err := s.messages.DeleteMessage(ctx, conversationID, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Wrap(apperrors.CodeNotFound, "message not found", err)
		}
		return fmt.Errorf("delete message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.RemoveMessage(messageID, conversationID)
}

// UpsertConversation writes a conversation summary to the store and fans
// the update out to cached participant lists.
func (s *Service) UpsertConversation(ctx context.Context, conversation storage.Conversation) error {
	if s == nil {
		return errors.New("messaging service is nil")
	}
	if err := s.conversations.PutConversation(ctx, conversation); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	stored, err := s.conversations.GetConversation(ctx, strings.TrimSpace(conversation.ID))
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.UpdateConversation(stored)
}

// Conversation returns one conversation summary from the store.
func (s *Service) Conversation(ctx context.Context, conversationID string) (storage.Conversation, error) {
	if s == nil {
		return storage.Conversation{}, errors.New("messaging service is nil")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return storage.Conversation{}, apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}
	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, apperrors.Wrap(apperrors.CodeNotFound, "conversation not found", err)
		}
		return storage.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conversation, nil
}

// DeleteConversation removes a conversation, its messages, and every
// cached trace of it. Cached participant lists are rebuilt from the store
// so the deleted conversation does not linger.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	if s == nil {
		return errors.New("messaging service is nil")
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}

	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get conversation: %w", err)
	}
	if err := s.conversations.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Wrap(apperrors.CodeNotFound, "conversation not found", err)
		}
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.ClearConversation(conversationID); err != nil {
		return err
	}
	for _, userID := range conversation.ParticipantIDs {
		if _, ok, err := s.cache.Conversations(userID); err != nil || !ok {
			continue
		}
		stored, err := s.conversations.ListConversations(ctx, userID)
		if err != nil {
			continue
		}
		_ = s.cache.SetConversations(userID, stored)
	}
	return nil
}

// DropConversation evicts a conversation's messages from the cache
// without touching the store.
func (s *Service) DropConversation(conversationID string) error {
	if s == nil {
		return errors.New("messaging service is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.ClearConversation(conversationID)
}

// Reset discards all cached state, typically on sign-out.
func (s *Service) Reset(ctx context.Context, actorID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cache.ClearAll()
	s.mu.Unlock()

	if s.audit != nil {
		_ = s.audit.Emit(ctx, storage.AuditEvent{
			EventName: audit.EventCacheReset,
			ActorID:   strings.TrimSpace(actorID),
		})
	}
}

// refreshCachedConversation fans the stored conversation state out to
// cached participant lists. Callers hold the service mutex.
func (s *Service) refreshCachedConversation(ctx context.Context, conversationID string) {
	conversation, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return
	}
	_ = s.cache.UpdateConversation(conversation)
}
