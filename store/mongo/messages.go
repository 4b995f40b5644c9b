package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convactor/turnflow/internal/ids"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/telemetry"
)

const defaultMessagesCollection = "messages"

// MessageStore implements store.MessageStore against MongoDB. Append-only:
// no update path is ever exercised.
type MessageStore struct {
	coll    collection
	timeout time.Duration
	emitter telemetry.Emitter
}

// NewMessageStore constructs a MessageStore, indexing by (turn_id, created_at).
func NewMessageStore(opts Options, emitter telemetry.Emitter) (*MessageStore, error) {
	coll, timeout, err := newCollection(opts, defaultMessagesCollection, &mongodriver.IndexModel{
		Keys: bson.D{{Key: "turn_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = telemetry.NopEmitter
	}
	return &MessageStore{coll: coll, timeout: timeout, emitter: emitter}, nil
}

type messageDocument struct {
	MessageID      string           `bson:"message_id"`
	ConversationID string           `bson:"conversation_id"`
	TurnID         string           `bson:"turn_id"`
	Role           store.MessageRole `bson:"role"`
	Content        string           `bson:"content"`
	CreatedAt      time.Time        `bson:"created_at"`
}

func (d messageDocument) toMessage() store.Message {
	return store.Message{
		ID: d.MessageID, ConversationID: d.ConversationID, TurnID: d.TurnID,
		Role: d.Role, Content: d.Content, CreatedAt: d.CreatedAt,
	}
}

// Append records a new message, assigning it an id and createdAt if unset.
func (s *MessageStore) Append(ctx context.Context, m store.Message) (string, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	doc := messageDocument{
		MessageID: m.ID, ConversationID: m.ConversationID, TurnID: m.TurnID,
		Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt,
	}
	if err := s.coll.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	s.emitter.Emit(ctx, "message.appended", map[string]any{"messageId": m.ID, "turnId": m.TurnID, "role": m.Role})
	return m.ID, nil
}

// GetForTurn returns messages for a turn in creation order.
func (s *MessageStore) GetForTurn(ctx context.Context, turnID string) ([]store.Message, error) {
	return s.query(ctx, bson.M{"turn_id": turnID}, 0, true)
}

// GetRecent returns up to limit messages for a conversation, most recent first.
func (s *MessageStore) GetRecent(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return s.query(ctx, bson.M{"conversation_id": conversationID}, limit, false)
}

// GetForConversation returns every message for a conversation in creation order.
func (s *MessageStore) GetForConversation(ctx context.Context, conversationID string) ([]store.Message, error) {
	return s.query(ctx, bson.M{"conversation_id": conversationID}, 0, true)
}

func (s *MessageStore) query(ctx context.Context, filter bson.M, limit int, ascending bool) ([]store.Message, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	opts := findOptsDescByCreatedAt(limit)
	if ascending {
		opts = options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Message, len(docs))
	for i, d := range docs {
		out[i] = d.toMessage()
	}
	return out, nil
}
