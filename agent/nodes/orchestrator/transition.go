package orchestratornode

import (
	"fmt"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

var allowedTransitions = map[contractx.Phase]map[contractx.Phase]struct{}{
	contractx.PhasePlanning: {
		contractx.PhaseDispatching: {},
		contractx.PhaseDone:        {},
		contractx.PhaseAborted:     {},
	},
	contractx.PhaseDispatching: {
		contractx.PhaseMerging: {},
		contractx.PhaseAborted: {},
	},
	contractx.PhaseMerging: {
		contractx.PhasePlanning: {},
		contractx.PhaseAborted:  {},
	},
}

func CanTransition(from, to contractx.Phase) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Transition moves the turn to the next phase. DONE and ABORTED are terminal.
func Transition(in *TurnState, to contractx.Phase) error {
	if !CanTransition(in.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Phase, to)
	}
	in.Phase = to
	in.emit(contractx.Event{Kind: contractx.EventPhase, Phase: to})
	return nil
}
