package orchestratornode

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	statex "github.com/tanpawarit/agentloop/agent/state"
)

const commitTimeout = 10 * time.Second

// Commit persists the turn's messages and checkpoint in one AppendTurn call.
// Cancelled turns commit nothing, so the stored session is exactly as it was
// before the turn started.
func Commit(ctx context.Context, in *TurnState, store statex.Store) *TurnState {
	if in.Err != nil && in.Phase != contractx.PhaseAborted {
		return in
	}
	if in.AbortReason == contractx.AbortCancelled {
		return in
	}

	now := in.now()
	snapshot := in.Session.Clone()
	snapshot.Messages = in.History()
	snapshot.Turn = in.Turn
	snapshot.UpdatedAt = now
	snapshot.Status = sessionStatus(in)

	cp := contractx.Checkpoint{
		Format:      statex.CheckpointFormat,
		SessionID:   in.SessionID,
		Turn:        in.Turn,
		Iteration:   in.Iteration,
		Phase:       in.Phase,
		AbortReason: in.AbortReason,
		Degraded:    in.Degraded,
		BudgetUsed:  in.BudgetUsed,
		Session:     snapshot,
		CreatedAt:   now,
	}

	// A commit that has started is allowed to finish even if the caller
	// goes away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := store.AppendTurn(commitCtx, in.SessionID, contractx.CloneMessages(in.Messages), cp); err != nil {
		log.Error().Err(err).
			Str("session_id", in.SessionID).
			Int("turn", in.Turn).
			Msg("failed to commit turn")
		in.Err = contractx.NewTurnError(contractx.KindStorage, "commit turn", err)
		return in
	}
	in.Committed = true
	in.Session = snapshot
	return in
}

func sessionStatus(in *TurnState) contractx.SessionStatus {
	switch {
	case in.Phase == contractx.PhaseDone:
		return contractx.SessionCompleted
	case in.AbortReason == contractx.AbortPlannerUnavailable:
		return contractx.SessionFailed
	default:
		return contractx.SessionAborted
	}
}
