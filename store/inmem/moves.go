package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// MoveStore implements store.MoveStore in memory.
type MoveStore struct {
	mu       sync.RWMutex
	moves    map[string][]store.Move // turnID -> moves in sequence order
	emitter  telemetry.Emitter
}

// NewMoveStore constructs an empty MoveStore.
func NewMoveStore(emitter telemetry.Emitter) *MoveStore {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &MoveStore{moves: make(map[string][]store.Move), emitter: emitter}
}

// Record appends a Move to the turn, assigning the next monotonic sequence
// number (0, 1, 2, ... with no gaps or duplicates).
func (s *MoveStore) Record(ctx context.Context, params store.RecordMoveParams) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := len(s.moves[params.TurnID])
	m := store.Move{
		ID:         ids.New(),
		TurnID:     params.TurnID,
		Sequence:   seq,
		Reasoning:  params.Reasoning,
		ToolCall:   params.ToolCall,
		RawContent: cloneJSON(params.RawContent),
		CreatedAt:  time.Now().UTC(),
	}
	s.moves[params.TurnID] = append(s.moves[params.TurnID], m)
	s.emitter.Emit(ctx, "move.recorded", map[string]any{"turnId": params.TurnID, "sequence": seq})
	return seq, m.ID, nil
}

// RecordResult attaches a result to the unique Move whose toolCall.ID matches
// toolCallID. Returns false if no such move exists.
func (s *MoveStore) RecordResult(ctx context.Context, turnID, toolCallID string, result store.MoveToolResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moves := s.moves[turnID]
	for i := range moves {
		if moves[i].ToolCall != nil && moves[i].ToolCall.ID == toolCallID {
			r := result
			moves[i].ToolResult = &r
			s.emitter.Emit(ctx, "move.result_recorded", map[string]any{
				"turnId": turnID, "toolCallId": toolCallID, "success": result.Success,
			})
			return true, nil
		}
	}
	return false, nil
}

// GetForTurn returns moves ordered by ascending sequence.
func (s *MoveStore) GetForTurn(_ context.Context, turnID string) ([]store.Move, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	moves := s.moves[turnID]
	out := make([]store.Move, len(moves))
	copy(out, moves)
	return out, nil
}

// GetLatest returns the highest-sequence move for a turn.
func (s *MoveStore) GetLatest(_ context.Context, turnID string) (store.Move, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	moves := s.moves[turnID]
	if len(moves) == 0 {
		return store.Move{}, false, nil
	}
	return moves[len(moves)-1], true, nil
}

// Reset clears all stored moves. Test-only helper.
func (s *MoveStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moves = make(map[string][]store.Move)
}
