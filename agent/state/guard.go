package state

import (
	"context"
	"sync"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// TurnGuard enforces at most one in-flight turn per session inside one
// process.
type TurnGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewTurnGuard() *TurnGuard {
	return &TurnGuard{inflight: map[string]struct{}{}}
}

func (g *TurnGuard) Acquire(_ context.Context, sessionID string) (func(), error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[sessionID]; busy {
		return nil, contractx.ErrSessionBusy
	}
	g.inflight[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, sessionID)
			g.mu.Unlock()
		})
	}, nil
}

func (g *TurnGuard) Busy(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[sessionID]
	return ok
}
