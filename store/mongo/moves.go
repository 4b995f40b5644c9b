package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

const defaultMovesCollection = "moves"

// MoveStore implements store.MoveStore against MongoDB. The monotonic
// per-turn sequence is the count of the turn's existing moves (see
// nextSequence); the unique (turn_id, sequence) index rejects an insert
// that would duplicate a sequence number.
type MoveStore struct {
	coll    collection
	timeout time.Duration
	emitter telemetry.Emitter
}

// NewMoveStore constructs a MoveStore with a unique index on
// (turn_id, sequence). No index on the tool call id is created.
func NewMoveStore(opts Options, emitter telemetry.Emitter) (*MoveStore, error) {
	coll, timeout, err := newCollection(opts, defaultMovesCollection, &mongodriver.IndexModel{
		Keys:    bson.D{{Key: "turn_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &MoveStore{coll: coll, timeout: timeout, emitter: emitter}, nil
}

type moveDocument struct {
	MoveID     string                 `bson:"move_id"`
	TurnID     string                 `bson:"turn_id"`
	Sequence   int                    `bson:"sequence"`
	Reasoning  string                 `bson:"reasoning,omitempty"`
	ToolCall   *store.MoveToolCall    `bson:"tool_call,omitempty"`
	ToolResult *store.MoveToolResult  `bson:"tool_result,omitempty"`
	RawContent json.RawMessage        `bson:"raw_content,omitempty"`
	CreatedAt  time.Time              `bson:"created_at"`
}

func (d moveDocument) toMove() store.Move {
	return store.Move{
		ID: d.MoveID, TurnID: d.TurnID, Sequence: d.Sequence, Reasoning: d.Reasoning,
		ToolCall: d.ToolCall, ToolResult: d.ToolResult, RawContent: d.RawContent, CreatedAt: d.CreatedAt,
	}
}

// Record appends a Move to the turn, assigning the next monotonic sequence
// number (0, 1, 2, ... without gaps or duplicates).
func (s *MoveStore) Record(ctx context.Context, params store.RecordMoveParams) (int, string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	seq, err := s.nextSequence(ctx, params.TurnID)
	if err != nil {
		return 0, "", err
	}
	id := ids.New()
	doc := moveDocument{
		MoveID: id, TurnID: params.TurnID, Sequence: seq, Reasoning: params.Reasoning,
		ToolCall: params.ToolCall, RawContent: params.RawContent, CreatedAt: time.Now().UTC(),
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return 0, "", err
	}
	s.emitter.Emit(ctx, "move.recorded", map[string]any{"turnId": params.TurnID, "sequence": seq})
	return seq, id, nil
}

// nextSequence counts existing moves for the turn. Single-writer discipline
// means no concurrent Record call for the same turn is ever in
// flight, so a count-then-insert is race-free in practice.
func (s *MoveStore) nextSequence(ctx context.Context, turnID string) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"turn_id": turnID})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RecordResult attaches a result to the unique Move whose toolCall.id
// matches toolCallID. Returns false if no such move exists.
func (s *MoveStore) RecordResult(ctx context.Context, turnID, toolCallID string, result store.MoveToolResult) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	matched, err := s.coll.UpdateOne(ctx,
		bson.M{"turn_id": turnID, "tool_call.id": toolCallID},
		bson.M{"$set": bson.M{"tool_result": result}},
	)
	if err != nil {
		return false, err
	}
	if matched == 0 {
		return false, nil
	}
	s.emitter.Emit(ctx, "move.result_recorded", map[string]any{"turnId": turnID, "toolCallId": toolCallID, "success": result.Success})
	return true, nil
}

// GetForTurn returns moves ordered by ascending sequence.
func (s *MoveStore) GetForTurn(ctx context.Context, turnID string) ([]store.Move, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"turn_id": turnID}, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []moveDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Move, len(docs))
	for i, d := range docs {
		out[i] = d.toMove()
	}
	return out, nil
}

// GetLatest returns the highest-sequence move for a turn.
func (s *MoveStore) GetLatest(ctx context.Context, turnID string) (store.Move, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"turn_id": turnID}, options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetLimit(1))
	if err != nil {
		return store.Move{}, false, err
	}
	var docs []moveDocument
	if err := cur.All(ctx, &docs); err != nil {
		return store.Move{}, false, err
	}
	if len(docs) == 0 {
		return store.Move{}, false, nil
	}
	return docs[0].toMove(), true, nil
}
