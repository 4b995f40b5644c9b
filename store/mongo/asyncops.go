package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

const defaultAsyncOpsCollection = "async_ops"

// AsyncOpStore implements store.AsyncOpStore against MongoDB. op_id equals
// the owning tool call id, and a unique index keeps it to at most one row
// per tool call.
type AsyncOpStore struct {
	coll    collection
	timeout time.Duration
	emitter telemetry.Emitter
}

// NewAsyncOpStore constructs an AsyncOpStore with a unique index on op_id.
// No index on (status, timeout_at) is created for the alarm sweep.
func NewAsyncOpStore(opts Options, emitter telemetry.Emitter) (*AsyncOpStore, error) {
	coll, timeout, err := newCollection(opts, defaultAsyncOpsCollection, &mongodriver.IndexModel{
		Keys:    bson.D{{Key: "op_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &AsyncOpStore{coll: coll, timeout: timeout, emitter: emitter}, nil
}

type asyncOpDocument struct {
	OpID          string                  `bson:"op_id"`
	TurnID        string                  `bson:"turn_id"`
	TargetType    store.AsyncOpTargetType `bson:"target_type"`
	TargetID      string                  `bson:"target_id"`
	Status        store.AsyncOpStatus     `bson:"status"`
	Result        json.RawMessage         `bson:"result,omitempty"`
	Error         *store.ToolResultError  `bson:"error,omitempty"`
	CreatedAt     time.Time               `bson:"created_at"`
	CompletedAt   time.Time               `bson:"completed_at,omitempty"`
	TimeoutAt     time.Time               `bson:"timeout_at,omitempty"`
	AttemptNumber int                     `bson:"attempt_number,omitempty"`
	MaxAttempts   int                     `bson:"max_attempts,omitempty"`
	BackoffMs     int                     `bson:"backoff_ms,omitempty"`
	LastError     string                  `bson:"last_error,omitempty"`
}

func (d asyncOpDocument) toOp() store.AsyncOp {
	return store.AsyncOp{
		ID: d.OpID, TurnID: d.TurnID, TargetType: d.TargetType, TargetID: d.TargetID, Status: d.Status,
		Result: d.Result, Error: d.Error, CreatedAt: d.CreatedAt, CompletedAt: d.CompletedAt,
		TimeoutAt: d.TimeoutAt, AttemptNumber: d.AttemptNumber, MaxAttempts: d.MaxAttempts,
		BackoffMs: d.BackoffMs, LastError: d.LastError,
	}
}

// Track inserts a new pending AsyncOp.
func (s *AsyncOpStore) Track(ctx context.Context, params store.TrackAsyncOpParams) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	doc := asyncOpDocument{
		OpID: params.OpID, TurnID: params.TurnID, TargetType: params.TargetType, TargetID: params.TargetID,
		Status: store.OpPending, CreatedAt: time.Now().UTC(), TimeoutAt: params.TimeoutAt,
		MaxAttempts: params.Retry.MaxAttempts, BackoffMs: params.Retry.BackoffMs,
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return err
	}
	s.emitter.Emit(ctx, "asyncop.tracked", map[string]any{"opId": params.OpID, "turnId": params.TurnID, "targetType": params.TargetType})
	return nil
}

// MarkWaiting transitions an op from pending to waiting, inserting a fresh
// waiting row if the op does not already exist.
func (s *AsyncOpStore) MarkWaiting(ctx context.Context, turnID, opID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"op_id": opID, "status": store.OpPending},
		bson.M{"$set": bson.M{"status": store.OpWaiting}},
	)
	if err != nil {
		return err
	}
	if matched > 0 {
		s.emitter.Emit(ctx, "asyncop.waiting", map[string]any{"opId": opID, "turnId": turnID, "inserted": false})
		return nil
	}
	var existing asyncOpDocument
	err = s.coll.FindOne(ctx, bson.M{"op_id": opID}).Decode(&existing)
	if err == nil {
		return nil // already waiting or terminal; nothing to do
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return err
	}
	if err := s.coll.InsertOne(ctx, asyncOpDocument{
		OpID: opID, TurnID: turnID, Status: store.OpWaiting, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.emitter.Emit(ctx, "asyncop.waiting", map[string]any{"opId": opID, "turnId": turnID, "inserted": true})
	return nil
}

// Complete transitions an op from pending or waiting to completed. Returns
// false if the op is missing or already terminal.
func (s *AsyncOpStore) Complete(ctx context.Context, opID string, result json.RawMessage) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"op_id": opID, "status": bson.M{"$in": []store.AsyncOpStatus{store.OpPending, store.OpWaiting}}},
		bson.M{"$set": bson.M{"status": store.OpCompleted, "result": result, "completed_at": time.Now().UTC()}},
	)
	if err != nil {
		return false, err
	}
	if matched == 0 {
		return false, nil
	}
	s.emitter.Emit(ctx, "asyncop.completed", map[string]any{"opId": opID})
	return true, nil
}

// Fail transitions an op from pending or waiting to failed. Returns false if
// the op is missing or already terminal.
func (s *AsyncOpStore) Fail(ctx context.Context, opID string, toolErr store.ToolResultError) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"op_id": opID, "status": bson.M{"$in": []store.AsyncOpStatus{store.OpPending, store.OpWaiting}}},
		bson.M{"$set": bson.M{
			"status": store.OpFailed, "error": toolErr, "last_error": toolErr.Message, "completed_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, err
	}
	if matched == 0 {
		return false, nil
	}
	s.emitter.Emit(ctx, "asyncop.failed", map[string]any{"opId": opID, "code": toolErr.Code})
	return true, nil
}

// Resume is equivalent to Complete but allowed from either waiting or pending.
func (s *AsyncOpStore) Resume(ctx context.Context, opID string, result json.RawMessage) (bool, error) {
	return s.Complete(ctx, opID, result)
}

// HasPending reports whether any pending op exists for the turn.
func (s *AsyncOpStore) HasPending(ctx context.Context, turnID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{"turn_id": turnID, "status": store.OpPending})
	return n > 0, err
}

// GetPendingCount returns the number of non-terminal (pending or waiting)
// ops for the turn.
func (s *AsyncOpStore) GetPendingCount(ctx context.Context, turnID string) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{"turn_id": turnID, "status": bson.M{"$in": []store.AsyncOpStatus{store.OpPending, store.OpWaiting}}})
	return int(n), err
}

// HasWaiting reports whether any waiting op exists for the turn.
func (s *AsyncOpStore) HasWaiting(ctx context.Context, turnID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{"turn_id": turnID, "status": store.OpWaiting})
	return n > 0, err
}

// GetTimedOut returns all non-terminal ops whose timeoutAt is before now.
func (s *AsyncOpStore) GetTimedOut(ctx context.Context, now time.Time) ([]store.AsyncOp, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{
		"status":     bson.M{"$in": []store.AsyncOpStatus{store.OpPending, store.OpWaiting}},
		"timeout_at": bson.M{"$gt": time.Time{}, "$lt": now},
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []asyncOpDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.AsyncOp, len(docs))
	for i, d := range docs {
		out[i] = d.toOp()
	}
	return out, nil
}

// GetEarliestTimeout returns the minimum timeoutAt across non-terminal ops.
func (s *AsyncOpStore) GetEarliestTimeout(ctx context.Context) (time.Time, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	filter := bson.M{
		"status":     bson.M{"$in": []store.AsyncOpStatus{store.OpPending, store.OpWaiting}},
		"timeout_at": bson.M{"$gt": time.Time{}},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timeout_at", Value: 1}}).SetLimit(1))
	if err != nil {
		return time.Time{}, false, err
	}
	var docs []asyncOpDocument
	if err := cur.All(ctx, &docs); err != nil {
		return time.Time{}, false, err
	}
	if len(docs) == 0 {
		return time.Time{}, false, nil
	}
	return docs[0].TimeoutAt, true, nil
}

// CanRetry reports whether the op has attempts remaining.
func (s *AsyncOpStore) CanRetry(ctx context.Context, opID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc asyncOpDocument
	if err := s.coll.FindOne(ctx, bson.M{"op_id": opID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return false, nil
		}
		return false, err
	}
	return doc.AttemptNumber < doc.MaxAttempts, nil
}

// PrepareRetry increments the attempt counter (up to MaxAttempts), resets
// the op to pending, and recomputes the deadline as now + backoffMs.
func (s *AsyncOpStore) PrepareRetry(ctx context.Context, opID string, lastError string) (time.Time, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc asyncOpDocument
	if err := s.coll.FindOne(ctx, bson.M{"op_id": opID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	if doc.AttemptNumber >= doc.MaxAttempts {
		return time.Time{}, false, nil
	}
	newDeadline := time.Now().UTC().Add(time.Duration(doc.BackoffMs) * time.Millisecond)
	if _, err := s.coll.UpdateOne(ctx,
		bson.M{"op_id": opID},
		bson.M{"$set": bson.M{
			"attempt_number": doc.AttemptNumber + 1, "status": store.OpPending,
			"last_error": lastError, "timeout_at": newDeadline,
		}},
	); err != nil {
		return time.Time{}, false, err
	}
	return newDeadline, true, nil
}

// Get returns the AsyncOp with the given id.
func (s *AsyncOpStore) Get(ctx context.Context, opID string) (store.AsyncOp, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc asyncOpDocument
	if err := s.coll.FindOne(ctx, bson.M{"op_id": opID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.AsyncOp{}, false, nil
		}
		return store.AsyncOp{}, false, err
	}
	return doc.toOp(), true, nil
}
