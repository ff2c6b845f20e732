package router

import "chatrouter/internal/models"

// State is a step of the turn state machine.
type State string

const (
	StateAwaitingModel State = "AWAITING_MODEL"
	StateAwaitingTool  State = "AWAITING_TOOL"
	StateDone          State = "DONE"
)

// Decision is what the router does after a model reply.
type Decision int

const (
	DecisionTerminate Decision = iota
	DecisionInvokeTool
)

func (d Decision) String() string {
	if d == DecisionInvokeTool {
		return "invoke_tool"
	}
	return "terminate"
}

// Decide looks only at the last message: tools run iff it is an assistant
// message carrying at least one tool call.
func Decide(transcript []*models.Message) Decision {
	if len(transcript) == 0 {
		return DecisionTerminate
	}
	if transcript[len(transcript)-1].HasToolCalls() {
		return DecisionInvokeTool
	}
	return DecisionTerminate
}
