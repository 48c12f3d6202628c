// Package cache provides a process-local read path for recently-seen
// messages and conversation summaries.
//
// The cache is not the source of truth: the messaging store remains
// authoritative, and the cache only shields it from repeated reads. Entries
// are evicted by explicit removal or a full clear, never by TTL.
//
// Cache instances are not safe for concurrent use. The owning service
// serializes access; see app.Service.
package cache

import (
	"sort"
	"strings"

	apperrors "github.com/wavelen/talkback/internal/platform/errors"
	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

// MaxMessagesPerConversation bounds the cached message list for one
// conversation. Writes that would exceed the bound drop the oldest entries.
const MaxMessagesPerConversation = 100

// Cache holds per-conversation message lists and per-user conversation lists.
type Cache struct {
	messages      map[string][]storage.Message
	conversations map[string][]storage.Conversation
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		messages:      make(map[string][]storage.Message),
		conversations: make(map[string][]storage.Conversation),
	}
}

// Messages returns a copy of the cached message list for the conversation,
// newest first. The second return reports whether an entry exists; a miss is
// a valid state, not an error.
func (c *Cache) Messages(conversationID string) ([]storage.Message, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, false, apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}
	cached, ok := c.messages[conversationID]
	if !ok {
		return nil, false, nil
	}
	return copyMessages(cached), true, nil
}

// SetMessages stores a batch of messages for the conversation.
//
// When an entry already exists the incoming batch is merged with it by
// message id, the incoming copy winning on collision. Partial-page fetches
// therefore never evict older cached messages that are still valid. The
// merged list is re-sorted newest first and truncated to the size bound.
func (c *Cache) SetMessages(conversationID string, messages []storage.Message) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}

	existing, ok := c.messages[conversationID]
	if !ok {
		c.messages[conversationID] = normalizeMessages(messages)
		return nil
	}

	byID := make(map[string]storage.Message, len(existing)+len(messages))
	order := make([]string, 0, len(existing)+len(messages))
	for _, message := range existing {
		if _, seen := byID[message.ID]; !seen {
			order = append(order, message.ID)
		}
		byID[message.ID] = message
	}
	for _, message := range messages {
		if _, seen := byID[message.ID]; !seen {
			order = append(order, message.ID)
		}
		byID[message.ID] = message
	}

	merged := make([]storage.Message, 0, len(order))
	for _, messageID := range order {
		merged = append(merged, byID[messageID])
	}
	c.messages[conversationID] = normalizeMessages(merged)
	return nil
}

// AddMessage inserts one message into its conversation's cached list.
//
// A duplicate message id is a no-op: AddMessage is strictly insert-only and
// callers needing replacement semantics must use UpdateMessage.
func (c *Cache) AddMessage(message storage.Message) error {
	messageID := strings.TrimSpace(message.ID)
	conversationID := strings.TrimSpace(message.ConversationID)
	if messageID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyID, "message id is required")
	}
	if conversationID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyConversationID, "message conversation id is required")
	}

	cached := c.messages[conversationID]
	for _, existing := range cached {
		if existing.ID == message.ID {
			return nil
		}
	}
	c.messages[conversationID] = normalizeMessages(append(copyMessages(cached), message))
	return nil
}

// UpdateMessage replaces the cached message matching the id, if present.
// Missing conversations or ids are a no-op, not an error. The list is
// re-sorted afterwards in case the update moved the message's timestamp.
func (c *Cache) UpdateMessage(message storage.Message) error {
	messageID := strings.TrimSpace(message.ID)
	conversationID := strings.TrimSpace(message.ConversationID)
	if messageID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyID, "message id is required")
	}
	if conversationID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyConversationID, "message conversation id is required")
	}

	cached, ok := c.messages[conversationID]
	if !ok {
		return nil
	}
	for i, existing := range cached {
		if existing.ID == message.ID {
			updated := copyMessages(cached)
			updated[i] = message
			sortMessages(updated)
			c.messages[conversationID] = updated
			return nil
		}
	}
	return nil
}

// RemoveMessage drops one message from the conversation's cached list.
// Missing conversations or ids are a no-op.
func (c *Cache) RemoveMessage(messageID string, conversationID string) error {
	messageID = strings.TrimSpace(messageID)
	conversationID = strings.TrimSpace(conversationID)
	if messageID == "" {
		return apperrors.New(apperrors.CodeMessageEmptyID, "message id is required")
	}
	if conversationID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}

	cached, ok := c.messages[conversationID]
	if !ok {
		return nil
	}
	filtered := make([]storage.Message, 0, len(cached))
	for _, existing := range cached {
		if existing.ID != messageID {
			filtered = append(filtered, existing)
		}
	}
	c.messages[conversationID] = filtered
	return nil
}

// ClearConversation evicts the cached message list for one conversation.
func (c *Cache) ClearConversation(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}
	delete(c.messages, conversationID)
	return nil
}

// Conversations returns a copy of the cached conversation list for the user,
// most recently active first.
func (c *Cache) Conversations(userID string) ([]storage.Conversation, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, apperrors.New(apperrors.CodeConversationEmptyUserID, "user id is required")
	}
	cached, ok := c.conversations[userID]
	if !ok {
		return nil, false, nil
	}
	return copyConversations(cached), true, nil
}

// SetConversations replaces the user's cached conversation list wholesale.
// Unlike SetMessages there is no merge: refreshes carry the complete list.
func (c *Cache) SetConversations(userID string, conversations []storage.Conversation) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyUserID, "user id is required")
	}
	stored := copyConversations(conversations)
	sortConversations(stored)
	c.conversations[userID] = stored
	return nil
}

// UpdateConversation fans one conversation summary out to every cached
// participant list that already contains it. Participants without a cached
// list, or whose list lacks the conversation id, are untouched: the update
// never inserts.
func (c *Cache) UpdateConversation(conversation storage.Conversation) error {
	conversationID := strings.TrimSpace(conversation.ID)
	if conversationID == "" {
		return apperrors.New(apperrors.CodeConversationEmptyID, "conversation id is required")
	}

	for _, userID := range conversation.ParticipantIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		cached, ok := c.conversations[userID]
		if !ok {
			continue
		}
		for i, existing := range cached {
			if existing.ID == conversationID {
				updated := copyConversations(cached)
				updated[i] = conversation
				sortConversations(updated)
				c.conversations[userID] = updated
				break
			}
		}
	}
	return nil
}

// ClearAll evicts every cached message list and conversation list. Used on
// sign-out and global invalidation events.
func (c *Cache) ClearAll() {
	c.messages = make(map[string][]storage.Message)
	c.conversations = make(map[string][]storage.Conversation)
}

// normalizeMessages deduplicates by id (first occurrence wins), sorts newest
// first, and truncates to the size bound.
func normalizeMessages(messages []storage.Message) []storage.Message {
	seen := make(map[string]struct{}, len(messages))
	normalized := make([]storage.Message, 0, len(messages))
	for _, message := range messages {
		if _, ok := seen[message.ID]; ok {
			continue
		}
		seen[message.ID] = struct{}{}
		normalized = append(normalized, message)
	}
	sortMessages(normalized)
	if len(normalized) > MaxMessagesPerConversation {
		normalized = normalized[:MaxMessagesPerConversation]
	}
	return normalized
}

func sortMessages(messages []storage.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
}

func sortConversations(conversations []storage.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].EffectiveTimestamp().After(conversations[j].EffectiveTimestamp())
	})
}

func copyMessages(messages []storage.Message) []storage.Message {
	copied := make([]storage.Message, len(messages))
	copy(copied, messages)
	return copied
}

func copyConversations(conversations []storage.Conversation) []storage.Conversation {
	copied := make([]storage.Conversation, len(conversations))
	copy(copied, conversations)
	return copied
}
