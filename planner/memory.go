package planner

import "encoding/json"

// DecideMemoryExtractionParams bundles the inputs to DecideMemoryExtraction.
type DecideMemoryExtractionParams struct {
	TurnID                     string
	ConversationID             string
	AgentID                    string
	Transcript                 json.RawMessage
	MemoryExtractionWorkflowID string
	ProjectID                  string
	Version                    string
}

// DecideMemoryExtraction emits one DISPATCH_MEMORY_EXTRACTION decision if the
// transcript is non-empty; otherwise a "skipped" event and no decisions.
func DecideMemoryExtraction(p DecideMemoryExtractionParams) Result {
	if len(p.Transcript) == 0 {
		return Result{Events: []Event{{Type: "memory_extraction.skipped", Payload: map[string]any{"turnId": p.TurnID}}}}
	}
	return Result{Decisions: []Decision{DispatchMemoryExtractionDecision{
		TurnID:                     p.TurnID,
		ConversationID:             p.ConversationID,
		AgentID:                    p.AgentID,
		MemoryExtractionWorkflowID: p.MemoryExtractionWorkflowID,
		ProjectID:                  p.ProjectID,
		Version:                    p.Version,
		Transcript:                 p.Transcript,
	}}}
}
