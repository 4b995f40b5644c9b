package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

const defaultParticipantsCollection = "participants"

// ParticipantStore implements store.ParticipantStore against MongoDB,
// enforcing at-most-one-row-per-(conversation,type,id) via a unique
// compound index rather than an in-process map key.
type ParticipantStore struct {
	coll    collection
	timeout time.Duration
	emitter telemetry.Emitter
}

// NewParticipantStore constructs a ParticipantStore with a unique index on
// (conversation_id, participant_type, participant_id).
func NewParticipantStore(opts Options, emitter telemetry.Emitter) (*ParticipantStore, error) {
	coll, timeout, err := newCollection(opts, defaultParticipantsCollection, &mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "participant_type", Value: 1},
			{Key: "participant_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &ParticipantStore{coll: coll, timeout: timeout, emitter: emitter}, nil
}

type participantDocument struct {
	ParticipantRowID string                 `bson:"participant_row_id"`
	ConversationID   string                 `bson:"conversation_id"`
	ParticipantType  store.ParticipantType  `bson:"participant_type"`
	ParticipantID    string                 `bson:"participant_id"`
	AddedAt          time.Time              `bson:"added_at"`
	AddedByTurnID    string                 `bson:"added_by_turn_id,omitempty"`
}

func (d participantDocument) toParticipant() store.Participant {
	return store.Participant{
		ID: d.ParticipantRowID, ConversationID: d.ConversationID, ParticipantType: d.ParticipantType,
		ParticipantID: d.ParticipantID, AddedAt: d.AddedAt, AddedByTurnID: d.AddedByTurnID,
	}
}

// Add inserts a participant row. Returns (id, true) on insert, or ("",
// false) if the (conversation, type, id) triple already exists — detected
// via the unique index rejecting the duplicate insert rather than a
// read-then-write race.
func (s *ParticipantStore) Add(ctx context.Context, p store.Participant) (string, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now().UTC()
	}
	doc := participantDocument{
		ParticipantRowID: p.ID, ConversationID: p.ConversationID, ParticipantType: p.ParticipantType,
		ParticipantID: p.ParticipantID, AddedAt: p.AddedAt, AddedByTurnID: p.AddedByTurnID,
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	s.emitter.Emit(ctx, "participant.added", map[string]any{
		"conversationId": p.ConversationID, "type": p.ParticipantType, "participantId": p.ParticipantID,
	})
	return p.ID, true, nil
}

// Exists reports whether a participant row exists.
func (s *ParticipantStore) Exists(ctx context.Context, conversationID string, pt store.ParticipantType, participantID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"conversation_id": conversationID, "participant_type": pt, "participant_id": participantID,
	})
	return n > 0, err
}

// GetParticipants returns every participant row for a conversation.
func (s *ParticipantStore) GetParticipants(ctx context.Context, conversationID string) ([]store.Participant, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	var docs []participantDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Participant, len(docs))
	for i, d := range docs {
		out[i] = d.toParticipant()
	}
	return out, nil
}

// Remove deletes a participant row, if present.
func (s *ParticipantStore) Remove(ctx context.Context, conversationID string, pt store.ParticipantType, participantID string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	err := s.coll.DeleteOne(ctx, bson.M{
		"conversation_id": conversationID, "participant_type": pt, "participant_id": participantID,
	})
	if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
		return err
	}
	s.emitter.Emit(ctx, "participant.removed", map[string]any{"conversationId": conversationID, "type": pt, "participantId": participantID})
	return nil
}
