package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// Dispatch runs every pending call of the current plan as one batch.
func Dispatch(ctx context.Context, in *TurnState, gateway contractx.ToolGateway) (*TurnState, error) {
	if in.Phase != contractx.PhaseDispatching {
		return nil, fmt.Errorf("%w: dispatch called in phase %s", ErrInvalidTransition, in.Phase)
	}

	for i := range in.Pending {
		in.Pending[i].Status = contractx.ToolCallRunning
		call := in.Pending[i].Clone()
		in.emit(contractx.Event{Kind: contractx.EventToolCall, Call: &call})
	}

	results := gateway.DispatchAll(ctx, contractx.CloneCalls(in.Pending))
	in.Results = results
	for i := range results {
		res := results[i]
		in.emit(contractx.Event{Kind: contractx.EventToolResult, Result: &res})
	}

	if ctx.Err() != nil {
		return in, abort(in, contractx.AbortCancelled)
	}
	return in, Transition(in, contractx.PhaseMerging)
}
