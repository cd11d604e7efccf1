package orchestratornode

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// Plan runs one planning iteration. The iteration budget is checked before
// the planner is called, so a turn never makes more than MaxIterations
// planner calls.
func Plan(ctx context.Context, in *TurnState, planner contractx.Planner, tools []contractx.ToolSpec) (*TurnState, error) {
	if in.Phase != contractx.PhasePlanning {
		return nil, fmt.Errorf("%w: plan called in phase %s", ErrInvalidTransition, in.Phase)
	}
	if ctx.Err() != nil {
		return in, abort(in, contractx.AbortCancelled)
	}
	if in.Iteration >= in.MaxIterations {
		log.Warn().
			Str("session_id", in.SessionID).
			Int("turn", in.Turn).
			Int("max_iterations", in.MaxIterations).
			Msg("iteration budget exhausted")
		return in, abort(in, contractx.AbortBudgetExceeded)
	}

	in.Iteration++
	plan, err := planner.Plan(ctx, contractx.PlanRequest{
		SessionID: in.SessionID,
		Turn:      in.Turn,
		Iteration: in.Iteration,
		History:   contractx.CloneMessages(in.Context),
		Tools:     tools,
	})
	if err != nil {
		if ctx.Err() != nil {
			return in, abort(in, contractx.AbortCancelled)
		}
		log.Error().Err(err).
			Str("session_id", in.SessionID).
			Int("turn", in.Turn).
			Int("iteration", in.Iteration).
			Msg("planner unavailable")
		in.Err = contractx.NewTurnError(contractx.KindPlanner, "planner unavailable", err)
		return in, abort(in, contractx.AbortPlannerUnavailable)
	}

	if plan.IsAnswer() {
		in.Answer = strings.TrimSpace(plan.Answer)
		return in, Transition(in, contractx.PhaseDone)
	}

	calls := make([]contractx.ToolCall, 0, len(plan.Calls))
	for _, p := range plan.Calls {
		calls = append(calls, contractx.ToolCall{
			ID:     in.NewID(),
			Tool:   p.Tool,
			Args:   p.Args,
			Turn:   in.Turn,
			Status: contractx.ToolCallPending,
		})
	}
	if content := strings.TrimSpace(plan.Content); content != "" {
		in.PartialAnswer = content
	}
	in.Pending = calls
	in.Staged = &contractx.Message{
		Role:      contractx.RoleAssistant,
		Content:   strings.TrimSpace(plan.Content),
		ToolCalls: calls,
	}
	return in, Transition(in, contractx.PhaseDispatching)
}

func abort(in *TurnState, reason contractx.AbortReason) error {
	in.AbortReason = reason
	return Transition(in, contractx.PhaseAborted)
}
