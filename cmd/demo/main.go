// Command demo wires an in-memory turn engine end to end and starts one
// turn: a scripted LLM stands in for a real provider and fake coordinator
// and executor stand in for the workflow engine and task runner. The fake
// coordinator never delivers the context-assembly callback, so the turn
// stays active after context assembly is dispatched and the scripted LLM is
// not called.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/convactor/turnflow/actor"
	"github.com/convactor/turnflow/alarm"
	fakecoordinator "github.com/convactor/turnflow/coordinator/fake"
	"github.com/convactor/turnflow/definitions"
	"github.com/convactor/turnflow/dispatch"
	fakeexecutor "github.com/convactor/turnflow/executor/fake"
	"github.com/convactor/turnflow/internal/config"
	"github.com/convactor/turnflow/llmadapter"
	fakellm "github.com/convactor/turnflow/llmadapter/fake"
	"github.com/convactor/turnflow/loopdriver"
	"github.com/convactor/turnflow/peeragent/local"
	"github.com/convactor/turnflow/planner"
	"github.com/convactor/turnflow/store"
	"github.com/convactor/turnflow/store/inmem"
	"github.com/convactor/turnflow/telemetry"
	"github.com/convactor/turnflow/turnengine"
)

const (
	conversationID = "demo-conversation"
	personaID      = "demo-persona"
)

func main() {
	ctx := context.Background()

	emitter := telemetry.EmitterFunc(func(_ context.Context, eventType string, payload any) {
		log.Printf("[event] %s %+v", eventType, payload)
	})

	// With a YAML path argument the persona catalog is loaded from file;
	// otherwise a minimal built-in persona keeps the demo self-contained.
	var personas definitions.Store
	if len(os.Args) > 1 {
		st, err := config.NewStore(os.Args[1])
		if err != nil {
			log.Fatalf("load personas: %v", err)
		}
		personas = st
	} else {
		personas = definitionsStore{definitions.Persona{
			ID:               personaID,
			RecentTurnsLimit: 10,
			Tools:            []planner.ToolDef{},
		}}
	}

	llm := fakellm.New(llmadapter.Response{
		Text:       "It's sunny and 72 degrees.",
		StopReason: llmadapter.StopEndTurn,
	})

	alarmSched := alarm.NewLocal()

	var host *actor.Host
	factory := func(convID string) *turnengine.Engine {
		stores := dispatch.Stores{
			Turns:        inmem.NewTurnStore(emitter),
			Messages:     inmem.NewMessageStore(emitter),
			Moves:        inmem.NewMoveStore(emitter),
			AsyncOps:     inmem.NewAsyncOpStore(emitter),
			Participants: inmem.NewParticipantStore(emitter),
		}
		coord := fakecoordinator.New()
		exec := fakeexecutor.New()
		peer := local.New(host)

		disp := dispatch.New(stores, exec, coord, peer, alarmSched, emitter, nil)
		loop := loopdriver.New(llm, disp, stores.Turns, stores.AsyncOps, coord, "context-assembly-workflow", emitter)

		return turnengine.New(turnengine.Config{
			ConversationID: convID,
			PersonaID:      personaID,
			Stores:         stores,
			Dispatcher:     disp,
			Loop:           loop,
			Definitions:    personas,
			Coordinator:    coord,
			Alarm:          alarmSched,
			Router:         host,
			Emitter:        emitter,
		})
	}
	host = actor.NewHost(factory)

	turnID, err := host.StartTurn(ctx, conversationID, "what's the weather like?", store.CallerUser)
	if err != nil {
		log.Fatalf("start turn: %v", err)
	}
	fmt.Printf("started turn %s on conversation %s\n", turnID, conversationID)
}

type definitionsStore struct {
	persona definitions.Persona
}

func (d definitionsStore) GetPersona(_ context.Context, id string) (definitions.Persona, error) {
	if id != d.persona.ID {
		return definitions.Persona{}, fmt.Errorf("demo: unknown persona %q", id)
	}
	return d.persona, nil
}

