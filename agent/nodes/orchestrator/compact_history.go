package orchestratornode

import (
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// CompactHistory rebuilds the planner's view from the full history. The
// compactor always starts from uncompacted messages so the view is a pure
// function of history and budget.
func CompactHistory(in *TurnState, compactor contractx.Compactor) *TurnState {
	full := in.History()
	if in.HistoryBudget > 0 && compactor.Size(full) > in.HistoryBudget {
		in.Context = compactor.Compact(full, in.HistoryBudget, in.Turn)
	} else {
		in.Context = full
	}
	in.BudgetUsed = compactor.Size(in.Context)
	return in
}
