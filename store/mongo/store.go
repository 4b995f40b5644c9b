package mongo

import (
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/convactor/turnflow/dispatch"
	"github.com/convactor/turnflow/telemetry"
)

// NewStores builds the full dispatch.Stores bundle against one MongoDB
// client, one collection per table.
func NewStores(client *mongodriver.Client, database string, emitter telemetry.Emitter) (dispatch.Stores, error) {
	base := Options{Client: client, Database: database}

	turns, err := NewTurnStore(base, emitter)
	if err != nil {
		return dispatch.Stores{}, err
	}
	messages, err := NewMessageStore(base, emitter)
	if err != nil {
		return dispatch.Stores{}, err
	}
	moves, err := NewMoveStore(base, emitter)
	if err != nil {
		return dispatch.Stores{}, err
	}
	asyncOps, err := NewAsyncOpStore(base, emitter)
	if err != nil {
		return dispatch.Stores{}, err
	}
	participants, err := NewParticipantStore(base, emitter)
	if err != nil {
		return dispatch.Stores{}, err
	}

	return dispatch.Stores{
		Turns:        turns,
		Messages:     messages,
		Moves:        moves,
		AsyncOps:     asyncOps,
		Participants: participants,
	}, nil
}
