package agent

import "encoding/json"

// TransferTool is the reserved tool name the model uses to hand the call to
// another agent. It is intercepted by the orchestrator and never dispatched
// through CallTool.
const TransferTool = "transfer_to_agent"

// TransferArgs are the arguments of a transfer_to_agent call. Message is a
// transition phrase spoken to the caller before the new agent greets; when
// empty the handoff is silent. ShouldInterruptPlayback cuts off whatever the
// outgoing agent is still saying instead of letting it finish.
type TransferArgs struct {
	Target                  string            `json:"target"`
	Reason                  string            `json:"reason,omitempty"`
	Message                 string            `json:"message,omitempty"`
	Context                 map[string]string `json:"context,omitempty"`
	ShouldInterruptPlayback bool              `json:"should_interrupt_playback,omitempty"`
}

// TransferSchema validates TransferArgs.
var TransferSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"target": {"type": "string", "minLength": 1},
		"reason": {"type": "string"},
		"message": {"type": "string"},
		"context": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"should_interrupt_playback": {"type": "boolean"}
	},
	"required": ["target"],
	"additionalProperties": false
}`)

// HandoffContext travels with the call when control moves between agents, so
// the receiving agent does not re-interrogate the caller.
type HandoffContext struct {
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
	// Summary is a short recap of the conversation so far.
	Summary string `json:"summary,omitempty"`
	// Message is the transition phrase spoken during the handoff, if any.
	Message string `json:"message,omitempty"`
	// Context carries key/value facts the outgoing agent chose to pass along.
	Context map[string]string `json:"context,omitempty"`
}
