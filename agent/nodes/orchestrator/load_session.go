package orchestratornode

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
	statex "github.com/tanpawarit/agentloop/agent/state"
)

// LoadSession loads the committed session, or starts a new one on the first
// user message, and appends the user message to the turn.
func LoadSession(ctx context.Context, in *TurnState, store statex.Store) (*TurnState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: turn state is nil", contractx.ErrValidation)
	}

	sess, err := store.Load(ctx, in.SessionID)
	switch {
	case errors.Is(err, contractx.ErrSessionNotFound):
		now := in.now()
		sess = &contractx.Session{
			ID:        in.SessionID,
			Status:    contractx.SessionActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		in.Err = contractx.NewTurnError(contractx.KindStorage, "load session", err)
		return in, nil
	case sess.Closed():
		in.Err = contractx.NewTurnError(contractx.KindSessionClosed, "session is closed", contractx.ErrSessionClosed)
		return in, nil
	}

	in.Session = sess
	in.Turn = sess.Turn + 1
	in.appendMessage(contractx.Message{Role: contractx.RoleUser, Content: in.Text})
	return in, nil
}
