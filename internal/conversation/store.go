// Package conversation persists chat transcripts and reconciles repeated
// saves of the same in-memory history against what is already durable.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"deptgate/internal/domain"
)

// Store is the durable side of conversation persistence. AppendMessages is
// compare-and-append: it succeeds only when the conversation's stored
// message count still equals expectedCount, otherwise it returns
// domain.ErrWatermarkConflict and nothing is written.
type Store interface {
	CreateWithMessages(ctx context.Context, conv *domain.Conversation, msgs []domain.Message) (string, error)
	AppendMessages(ctx context.Context, conversationID string, msgs []domain.Message, expectedCount int) (int, error)
	MessageCount(ctx context.Context, conversationID string) (int, error)
}

// InMemoryStore serializes appends per conversation, mirroring what the
// Postgres store gets from its conditional UPDATE.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
}

type memConversation struct {
	mu       sync.Mutex
	conv     domain.Conversation
	messages []domain.StoredMessage
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*memConversation),
	}
}

func (s *InMemoryStore) CreateWithMessages(ctx context.Context, conv *domain.Conversation, msgs []domain.Message) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	mc := &memConversation{
		conv: domain.Conversation{
			ID:            id,
			UserID:        conv.UserID,
			Title:         conv.Title,
			ModelConfigID: conv.ModelConfigID,
			MessageCount:  len(msgs),
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	for _, m := range msgs {
		mc.messages = append(mc.messages, storedMessage(id, m, now))
	}

	s.mu.Lock()
	s.conversations[id] = mc
	s.mu.Unlock()

	return id, nil
}

func (s *InMemoryStore) AppendMessages(ctx context.Context, conversationID string, msgs []domain.Message, expectedCount int) (int, error) {
	mc, err := s.find(conversationID)
	if err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.conv.MessageCount != expectedCount {
		return 0, fmt.Errorf("%w: stored %d, expected %d", domain.ErrWatermarkConflict, mc.conv.MessageCount, expectedCount)
	}

	now := time.Now()
	for _, m := range msgs {
		mc.messages = append(mc.messages, storedMessage(conversationID, m, now))
	}
	mc.conv.MessageCount += len(msgs)
	mc.conv.UpdatedAt = now

	return mc.conv.MessageCount, nil
}

func (s *InMemoryStore) MessageCount(ctx context.Context, conversationID string) (int, error) {
	mc, err := s.find(conversationID)
	if err != nil {
		return 0, err
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.conv.MessageCount, nil
}

// Messages returns the stored transcript, for tests and debugging.
func (s *InMemoryStore) Messages(conversationID string) []domain.StoredMessage {
	mc, err := s.find(conversationID)
	if err != nil {
		return nil
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	out := make([]domain.StoredMessage, len(mc.messages))
	copy(out, mc.messages)
	return out
}

func (s *InMemoryStore) find(conversationID string) (*memConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, conversationID)
	}
	return mc, nil
}

func storedMessage(conversationID string, m domain.Message, now time.Time) domain.StoredMessage {
	return domain.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           m.Role,
		Content:        m.Content,
		AttachmentIDs:  m.AttachmentIDs,
		CreatedAt:      now,
	}
}
