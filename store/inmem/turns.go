// Package inmem provides in-memory implementations of the store interfaces
// for testing and local development: map + mutex, defensive copies on read
// and write, and a Reset helper for test isolation.
package inmem

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// TurnStore implements store.TurnStore in memory.
type TurnStore struct {
	mu      sync.RWMutex
	turns   map[string]store.Turn
	emitter telemetry.Emitter
}

// NewTurnStore constructs an empty TurnStore. A nil emitter is replaced with
// telemetry.NopEmitter.
func NewTurnStore(emitter telemetry.Emitter) *TurnStore {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &TurnStore{turns: make(map[string]store.Turn), emitter: emitter}
}

// Create inserts a new active Turn and returns its id.
func (s *TurnStore) Create(ctx context.Context, conversationID string, caller store.Caller, input json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ids.New()
	s.turns[id] = store.Turn{
		ID:             id,
		ConversationID: conversationID,
		Caller:         caller,
		Input:          cloneJSON(input),
		Status:         store.TurnActive,
		CreatedAt:      time.Now().UTC(),
	}
	s.emitter.Emit(ctx, "turn.created", map[string]any{"turnId": id, "conversationId": conversationID})
	return id, nil
}

// Complete transitions an active Turn to completed. Returns false if the
// turn does not exist or is already terminal.
func (s *TurnStore) Complete(ctx context.Context, turnID string, issues *store.TurnIssues) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok || t.Status != store.TurnActive {
		return false, nil
	}
	t.Status = store.TurnCompleted
	t.CompletedAt = time.Now().UTC()
	if issues != nil {
		t.ToolFailures = issues.ToolFailures
		t.MemoryExtractionFailed = issues.MemoryExtractionFailed
	}
	s.turns[turnID] = t
	s.emitter.Emit(ctx, "turn.completed", map[string]any{"turnId": turnID})
	return true, nil
}

// Fail transitions an active Turn to failed. Returns false if the turn does
// not exist or is already terminal.
func (s *TurnStore) Fail(ctx context.Context, turnID string, errorCode, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok || t.Status != store.TurnActive {
		return false, nil
	}
	t.Status = store.TurnFailed
	t.CompletedAt = time.Now().UTC()
	t.ErrorCode = errorCode
	t.ErrorMessage = errorMessage
	s.turns[turnID] = t
	s.emitter.Emit(ctx, "turn.failed", map[string]any{"turnId": turnID, "code": errorCode})
	return true, nil
}

// LinkContextAssembly records the context-assembly workflow run id for a turn.
func (s *TurnStore) LinkContextAssembly(ctx context.Context, turnID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil
	}
	t.ContextAssemblyRunID = runID
	s.turns[turnID] = t
	s.emitter.Emit(ctx, "turn.context_assembly_linked", map[string]any{"turnId": turnID, "runId": runID})
	return nil
}

// LinkMemoryExtraction records the memory-extraction workflow run id for a turn.
func (s *TurnStore) LinkMemoryExtraction(ctx context.Context, turnID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil
	}
	t.MemoryExtractionRunID = runID
	s.turns[turnID] = t
	s.emitter.Emit(ctx, "turn.memory_extraction_linked", map[string]any{"turnId": turnID, "runId": runID})
	return nil
}

// MarkMemoryExtractionFailed records that the memory-extraction workflow failed.
func (s *TurnStore) MarkMemoryExtractionFailed(ctx context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return nil
	}
	t.MemoryExtractionFailed = true
	s.turns[turnID] = t
	s.emitter.Emit(ctx, "turn.memory_extraction_failed", map[string]any{"turnId": turnID})
	return nil
}

// Get returns the Turn with the given id.
func (s *TurnStore) Get(_ context.Context, turnID string) (store.Turn, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[turnID]
	return cloneTurn(t), ok, nil
}

// GetActive returns all active turns for a conversation, most recent first.
func (s *TurnStore) GetActive(_ context.Context, conversationID string) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID && t.Status == store.TurnActive {
			out = append(out, cloneTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetRecent returns up to limit turns for a conversation ordered by
// descending createdAt.
func (s *TurnStore) GetRecent(_ context.Context, conversationID string, limit int) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID {
			out = append(out, cloneTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all stored turns. Test-only helper, not part of store.TurnStore.
func (s *TurnStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = make(map[string]store.Turn)
}

func cloneTurn(t store.Turn) store.Turn {
	t.Input = cloneJSON(t.Input)
	return t
}

func cloneJSON(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
