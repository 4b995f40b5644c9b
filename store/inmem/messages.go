package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// MessageStore implements store.MessageStore in memory.
type MessageStore struct {
	mu       sync.RWMutex
	messages []store.Message
	emitter  telemetry.Emitter
}

// NewMessageStore constructs an empty MessageStore.
func NewMessageStore(emitter telemetry.Emitter) *MessageStore {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &MessageStore{emitter: emitter}
}

// Append records a new message, assigning it an id and createdAt if unset.
func (s *MessageStore) Append(ctx context.Context, m store.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, m)
	s.emitter.Emit(ctx, "message.appended", map[string]any{"messageId": m.ID, "turnId": m.TurnID, "role": m.Role})
	return m.ID, nil
}

// GetForTurn returns messages for a turn in creation order.
func (s *MessageStore) GetForTurn(_ context.Context, turnID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.TurnID == turnID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetRecent returns up to limit messages for a conversation, most recent first.
func (s *MessageStore) GetRecent(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetForConversation returns every message for a conversation in creation order.
func (s *MessageStore) GetForConversation(_ context.Context, conversationID string) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

// Reset clears all stored messages. Test-only helper.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
