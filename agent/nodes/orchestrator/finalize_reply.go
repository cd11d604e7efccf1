package orchestratornode

import (
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// Finalize records the final answer of a completed turn.
func Finalize(in *TurnState) *TurnState {
	if in.Phase != contractx.PhaseDone {
		return in
	}
	in.appendMessage(contractx.Message{Role: contractx.RoleAssistant, Content: in.Answer})
	in.emit(contractx.Event{Kind: contractx.EventAnswer, Answer: in.Answer, Degraded: in.Degraded})
	return in
}

// Abort closes out an aborted turn. A budget abort keeps whatever the planner
// said alongside its last tool requests as a partial, degraded answer.
func Abort(in *TurnState) *TurnState {
	if in.Phase != contractx.PhaseAborted {
		return in
	}
	in.Pending = nil
	in.Staged = nil
	in.Results = nil

	if in.AbortReason == contractx.AbortBudgetExceeded {
		in.Degraded = true
		if in.PartialAnswer != "" {
			in.Answer = in.PartialAnswer
			in.appendMessage(contractx.Message{Role: contractx.RoleAssistant, Content: in.Answer})
		}
	}
	in.emit(contractx.Event{Kind: contractx.EventAborted, Reason: in.AbortReason, Answer: in.Answer, Degraded: in.Degraded})
	return in
}
