package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// RestoreState rebuilds the terminal state of a committed turn from its
// checkpoint.
func RestoreState(cp *contractx.Checkpoint) (*TurnState, error) {
	if cp == nil || cp.Session == nil {
		return nil, fmt.Errorf("%w: checkpoint has no session snapshot", contractx.ErrValidation)
	}

	var prev, own []contractx.Message
	for _, m := range cp.Session.Messages {
		if m.Turn == cp.Turn {
			own = append(own, m.Clone())
		} else {
			prev = append(prev, m.Clone())
		}
	}
	base := cp.Session.Clone()
	base.Messages = prev
	base.Turn = cp.Turn - 1

	st := &TurnState{
		SessionID:   cp.SessionID,
		Turn:        cp.Turn,
		Iteration:   cp.Iteration,
		BudgetUsed:  cp.BudgetUsed,
		Session:     base,
		Messages:    own,
		Phase:       cp.Phase,
		Degraded:    cp.Degraded,
		AbortReason: cp.AbortReason,
		Committed:   true,
	}
	for i := len(own) - 1; i >= 0; i-- {
		if own[i].Role == contractx.RoleAssistant && len(own[i].ToolCalls) == 0 {
			st.Answer = own[i].Content
			break
		}
	}
	if len(own) > 0 && own[0].Role == contractx.RoleUser {
		st.Text = own[0].Content
	}
	return st, nil
}
