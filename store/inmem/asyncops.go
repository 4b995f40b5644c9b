package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

// AsyncOpStore implements store.AsyncOpStore in memory.
type AsyncOpStore struct {
	mu      sync.RWMutex
	ops     map[string]store.AsyncOp // opID -> op
	emitter telemetry.Emitter
}

// NewAsyncOpStore constructs an empty AsyncOpStore.
func NewAsyncOpStore(emitter telemetry.Emitter) *AsyncOpStore {
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &AsyncOpStore{ops: make(map[string]store.AsyncOp), emitter: emitter}
}

// Track inserts a new pending AsyncOp. opID equals the owning tool call id,
// so at most one AsyncOp row ever exists per tool call.
func (s *AsyncOpStore) Track(ctx context.Context, params store.TrackAsyncOpParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := store.AsyncOp{
		ID:          params.OpID,
		TurnID:      params.TurnID,
		TargetType:  params.TargetType,
		TargetID:    params.TargetID,
		Status:      store.OpPending,
		CreatedAt:   time.Now().UTC(),
		TimeoutAt:   params.TimeoutAt,
		MaxAttempts: params.Retry.MaxAttempts,
		BackoffMs:   params.Retry.BackoffMs,
	}
	s.ops[params.OpID] = op
	s.emitter.Emit(ctx, "asyncop.tracked", map[string]any{"opId": params.OpID, "turnId": params.TurnID, "targetType": params.TargetType})
	return nil
}

// MarkWaiting transitions an op from pending to waiting, inserting a fresh
// waiting row if the op does not already exist.
func (s *AsyncOpStore) MarkWaiting(ctx context.Context, turnID, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok {
		s.ops[opID] = store.AsyncOp{ID: opID, TurnID: turnID, Status: store.OpWaiting, CreatedAt: time.Now().UTC()}
		s.emitter.Emit(ctx, "asyncop.waiting", map[string]any{"opId": opID, "turnId": turnID, "inserted": true})
		return nil
	}
	if op.Status == store.OpPending {
		op.Status = store.OpWaiting
		s.ops[opID] = op
	}
	s.emitter.Emit(ctx, "asyncop.waiting", map[string]any{"opId": opID, "turnId": turnID, "inserted": false})
	return nil
}

// Complete transitions an op from pending or waiting to completed. Returns
// false if the op is missing or already terminal.
func (s *AsyncOpStore) Complete(ctx context.Context, opID string, result json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok || (op.Status != store.OpPending && op.Status != store.OpWaiting) {
		return false, nil
	}
	op.Status = store.OpCompleted
	op.Result = cloneJSON(result)
	op.CompletedAt = time.Now().UTC()
	s.ops[opID] = op
	s.emitter.Emit(ctx, "asyncop.completed", map[string]any{"opId": opID})
	return true, nil
}

// Fail transitions an op from pending or waiting to failed. Returns false if
// the op is missing or already terminal.
func (s *AsyncOpStore) Fail(ctx context.Context, opID string, toolErr store.ToolResultError) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok || (op.Status != store.OpPending && op.Status != store.OpWaiting) {
		return false, nil
	}
	op.Status = store.OpFailed
	op.Error = &toolErr
	op.LastError = toolErr.Message
	op.CompletedAt = time.Now().UTC()
	s.ops[opID] = op
	s.emitter.Emit(ctx, "asyncop.failed", map[string]any{"opId": opID, "code": toolErr.Code})
	return true, nil
}

// Resume is equivalent to Complete but allowed from either waiting or pending.
func (s *AsyncOpStore) Resume(ctx context.Context, opID string, result json.RawMessage) (bool, error) {
	return s.Complete(ctx, opID, result)
}

// HasPending reports whether any pending op exists for the turn. Waiting
// ops are not counted.
func (s *AsyncOpStore) HasPending(_ context.Context, turnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpPending {
			return true, nil
		}
	}
	return false, nil
}

// GetPendingCount returns the number of non-terminal (pending or waiting)
// ops for the turn. A turn may only complete once this reaches zero.
func (s *AsyncOpStore) GetPendingCount(_ context.Context, turnID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, op := range s.ops {
		if op.TurnID == turnID && (op.Status == store.OpPending || op.Status == store.OpWaiting) {
			n++
		}
	}
	return n, nil
}

// HasWaiting reports whether any waiting op exists for the turn.
func (s *AsyncOpStore) HasWaiting(_ context.Context, turnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.ops {
		if op.TurnID == turnID && op.Status == store.OpWaiting {
			return true, nil
		}
	}
	return false, nil
}

// GetTimedOut returns all non-terminal ops whose timeoutAt is before now.
func (s *AsyncOpStore) GetTimedOut(_ context.Context, now time.Time) ([]store.AsyncOp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AsyncOp
	for _, op := range s.ops {
		if (op.Status == store.OpPending || op.Status == store.OpWaiting) && !op.TimeoutAt.IsZero() && op.TimeoutAt.Before(now) {
			out = append(out, op)
		}
	}
	return out, nil
}

// GetEarliestTimeout returns the minimum timeoutAt across non-terminal ops.
func (s *AsyncOpStore) GetEarliestTimeout(_ context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, op := range s.ops {
		if op.Status != store.OpPending && op.Status != store.OpWaiting {
			continue
		}
		if op.TimeoutAt.IsZero() {
			continue
		}
		if !found || op.TimeoutAt.Before(earliest) {
			earliest = op.TimeoutAt
			found = true
		}
	}
	return earliest, found, nil
}

// CanRetry reports whether the op has attempts remaining.
func (s *AsyncOpStore) CanRetry(_ context.Context, opID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opID]
	if !ok {
		return false, nil
	}
	return op.AttemptNumber < op.MaxAttempts, nil
}

// PrepareRetry increments the attempt counter (up to MaxAttempts), resets the
// op to pending, and recomputes the deadline as now + backoffMs. Returns the
// new deadline, or ok=false if no retry is possible.
func (s *AsyncOpStore) PrepareRetry(_ context.Context, opID string, lastError string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opID]
	if !ok || op.AttemptNumber >= op.MaxAttempts {
		return time.Time{}, false, nil
	}
	op.AttemptNumber++
	op.Status = store.OpPending
	op.LastError = lastError
	newDeadline := time.Now().UTC().Add(time.Duration(op.BackoffMs) * time.Millisecond)
	op.TimeoutAt = newDeadline
	s.ops[opID] = op
	return newDeadline, true, nil
}

// Get returns the AsyncOp with the given id.
func (s *AsyncOpStore) Get(_ context.Context, opID string) (store.AsyncOp, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opID]
	return op, ok, nil
}

// Reset clears all stored ops. Test-only helper.
func (s *AsyncOpStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[string]store.AsyncOp)
}
