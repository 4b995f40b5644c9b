package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

const defaultTurnsCollection = "turns"

// TurnStore implements store.TurnStore against MongoDB.
type TurnStore struct {
	coll    collection
	timeout time.Duration
	emitter telemetry.Emitter
}

// NewTurnStore constructs a TurnStore, creating a unique index on turn_id.
func NewTurnStore(opts Options, emitter telemetry.Emitter) (*TurnStore, error) {
	coll, timeout, err := newCollection(opts, defaultTurnsCollection, &mongodriver.IndexModel{
		Keys:    bson.D{{Key: "turn_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &TurnStore{coll: coll, timeout: timeout, emitter: emitter}, nil
}

type turnDocument struct {
	TurnID                 string          `bson:"turn_id"`
	ConversationID         string          `bson:"conversation_id"`
	Caller                 store.Caller    `bson:"caller"`
	Input                  json.RawMessage `bson:"input,omitempty"`
	Status                 store.TurnStatus `bson:"status"`
	CreatedAt              time.Time       `bson:"created_at"`
	CompletedAt            time.Time       `bson:"completed_at,omitempty"`
	ErrorCode              string          `bson:"error_code,omitempty"`
	ErrorMessage           string          `bson:"error_message,omitempty"`
	ContextAssemblyRunID   string          `bson:"context_assembly_run_id,omitempty"`
	MemoryExtractionRunID  string          `bson:"memory_extraction_run_id,omitempty"`
	MemoryExtractionFailed bool            `bson:"memory_extraction_failed,omitempty"`
	ToolFailures           int             `bson:"tool_failures,omitempty"`
}

func (d turnDocument) toTurn() store.Turn {
	return store.Turn{
		ID: d.TurnID, ConversationID: d.ConversationID, Caller: d.Caller, Input: d.Input,
		Status: d.Status, CreatedAt: d.CreatedAt, CompletedAt: d.CompletedAt,
		ErrorCode: d.ErrorCode, ErrorMessage: d.ErrorMessage,
		ContextAssemblyRunID: d.ContextAssemblyRunID, MemoryExtractionRunID: d.MemoryExtractionRunID,
		MemoryExtractionFailed: d.MemoryExtractionFailed, ToolFailures: d.ToolFailures,
	}
}

// Create inserts a new active Turn and returns its id.
func (s *TurnStore) Create(ctx context.Context, conversationID string, caller store.Caller, input json.RawMessage) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	id := ids.New()
	doc := turnDocument{
		TurnID: id, ConversationID: conversationID, Caller: caller, Input: input,
		Status: store.TurnActive, CreatedAt: time.Now().UTC(),
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	s.emitter.Emit(ctx, "turn.created", map[string]any{"turnId": id, "conversationId": conversationID})
	return id, nil
}

// Complete transitions an active Turn to completed, conditioned on its
// current status so a racing duplicate completion is a no-op.
func (s *TurnStore) Complete(ctx context.Context, turnID string, issues *store.TurnIssues) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	set := bson.M{"status": store.TurnCompleted, "completed_at": time.Now().UTC()}
	if issues != nil {
		set["tool_failures"] = issues.ToolFailures
		set["memory_extraction_failed"] = issues.MemoryExtractionFailed
	}
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"turn_id": turnID, "status": store.TurnActive},
		bson.M{"$set": set},
	)
	if err != nil {
		return false, err
	}
	if matched == 0 {
		return false, nil
	}
	s.emitter.Emit(ctx, "turn.completed", map[string]any{"turnId": turnID})
	return true, nil
}

// Fail transitions an active Turn to failed, conditioned the same way as Complete.
func (s *TurnStore) Fail(ctx context.Context, turnID string, errorCode, errorMessage string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"turn_id": turnID, "status": store.TurnActive},
		bson.M{"$set": bson.M{
			"status": store.TurnFailed, "completed_at": time.Now().UTC(),
			"error_code": errorCode, "error_message": errorMessage,
		}},
	)
	if err != nil {
		return false, err
	}
	if matched == 0 {
		return false, nil
	}
	s.emitter.Emit(ctx, "turn.failed", map[string]any{"turnId": turnID, "code": errorCode})
	return true, nil
}

// LinkContextAssembly records the context-assembly workflow run id for a turn.
func (s *TurnStore) LinkContextAssembly(ctx context.Context, turnID, runID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.UpdateOne(ctx, bson.M{"turn_id": turnID}, bson.M{"$set": bson.M{"context_assembly_run_id": runID}}); err != nil {
		return err
	}
	s.emitter.Emit(ctx, "turn.context_assembly_linked", map[string]any{"turnId": turnID, "runId": runID})
	return nil
}

// LinkMemoryExtraction records the memory-extraction workflow run id for a turn.
func (s *TurnStore) LinkMemoryExtraction(ctx context.Context, turnID, runID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.UpdateOne(ctx, bson.M{"turn_id": turnID}, bson.M{"$set": bson.M{"memory_extraction_run_id": runID}}); err != nil {
		return err
	}
	s.emitter.Emit(ctx, "turn.memory_extraction_linked", map[string]any{"turnId": turnID, "runId": runID})
	return nil
}

// MarkMemoryExtractionFailed records that the memory-extraction workflow failed.
func (s *TurnStore) MarkMemoryExtractionFailed(ctx context.Context, turnID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.UpdateOne(ctx, bson.M{"turn_id": turnID}, bson.M{"$set": bson.M{"memory_extraction_failed": true}}); err != nil {
		return err
	}
	s.emitter.Emit(ctx, "turn.memory_extraction_failed", map[string]any{"turnId": turnID})
	return nil
}

// Get returns the Turn with the given id.
func (s *TurnStore) Get(ctx context.Context, turnID string) (store.Turn, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var doc turnDocument
	if err := s.coll.FindOne(ctx, bson.M{"turn_id": turnID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Turn{}, false, nil
		}
		return store.Turn{}, false, err
	}
	return doc.toTurn(), true, nil
}

// GetActive returns all active turns for a conversation, most recent first.
func (s *TurnStore) GetActive(ctx context.Context, conversationID string) ([]store.Turn, error) {
	return s.query(ctx, bson.M{"conversation_id": conversationID, "status": store.TurnActive}, 0)
}

// GetRecent returns up to limit turns for a conversation ordered by
// descending createdAt.
func (s *TurnStore) GetRecent(ctx context.Context, conversationID string, limit int) ([]store.Turn, error) {
	return s.query(ctx, bson.M{"conversation_id": conversationID}, limit)
}

func (s *TurnStore) query(ctx context.Context, filter bson.M, limit int) ([]store.Turn, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	opts := findOptsDescByCreatedAt(limit)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []turnDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Turn, len(docs))
	for i, d := range docs {
		out[i] = d.toTurn()
	}
	return out, nil
}
