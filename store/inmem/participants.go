package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// ParticipantStore implements store.ParticipantStore in memory, enforcing
// at-most-one-row-per-(conversation,type,id) set semantics.
type ParticipantStore struct {
	mu           sync.RWMutex
	participants map[string]store.Participant // key: conversationID|type|participantID
	emitter      telemetry.Emitter
}

// NewParticipantStore constructs an empty ParticipantStore.
func NewParticipantStore(emitter telemetry.Emitter) *ParticipantStore {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &ParticipantStore{participants: make(map[string]store.Participant), emitter: emitter}
}

func participantKey(conversationID string, pt store.ParticipantType, participantID string) string {
	return conversationID + "|" + string(pt) + "|" + participantID
}

// Add inserts a participant row. Returns (id, true) on insert, or ("", false)
// if the (conversation, type, id) triple already exists.
func (s *ParticipantStore) Add(ctx context.Context, p store.Participant) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(p.ConversationID, p.ParticipantType, p.ParticipantID)
	if _, exists := s.participants[key]; exists {
		return "", false, nil
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}
	s.participants[key] = p
	s.emitter.Emit(ctx, "participant.added", map[string]any{
		"conversationId": p.ConversationID, "type": p.ParticipantType, "participantId": p.ParticipantID,
	})
	return p.ID, true, nil
}

// Exists reports whether a participant row exists.
func (s *ParticipantStore) Exists(_ context.Context, conversationID string, pt store.ParticipantType, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[participantKey(conversationID, pt, participantID)]
	return ok, nil
}

// GetParticipants returns every participant row for a conversation.
func (s *ParticipantStore) GetParticipants(_ context.Context, conversationID string) ([]store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Participant
	for _, p := range s.participants {
		if p.ConversationID == conversationID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Remove deletes a participant row, if present.
func (s *ParticipantStore) Remove(ctx context.Context, conversationID string, pt store.ParticipantType, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(conversationID, pt, participantID)
	if _, ok := s.participants[key]; ok {
		delete(s.participants, key)
		s.emitter.Emit(ctx, "participant.removed", map[string]any{"conversationId": conversationID, "type": pt, "participantId": participantID})
	}
	return nil
}

// Reset clears all stored participants. Test-only helper.
func (s *ParticipantStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = make(map[string]store.Participant)
}
