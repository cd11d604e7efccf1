package state

import (
	"context"
	"sync"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// MemoryStore keeps sessions in process memory. Checkpoints are stored
// encoded so the codec path matches the durable stores.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*contractx.Session
	checkpoints map[string][][]byte
	guard       *TurnGuard
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]*contractx.Session{},
		checkpoints: map[string][][]byte{},
		guard:       NewTurnGuard(),
		now:         time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*contractx.Session, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, contractx.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, sessionID string, msgs []contractx.Message, cp contractx.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.sessions[sessionID]
	if err := checkAppend(cur, sessionID, msgs, &cp); err != nil {
		return err
	}
	raw, err := EncodeCheckpoint(cp)
	if err != nil {
		return storageErr("encode checkpoint", err)
	}

	s.sessions[sessionID] = cp.Session.Clone()
	s.checkpoints[sessionID] = append(s.checkpoints[sessionID], raw)
	return nil
}

func (s *MemoryStore) Close(_ context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return contractx.ErrSessionNotFound
	}
	if sess.Closed() {
		return nil
	}
	now := s.now().UTC()
	sess.ClosedAt = &now
	sess.UpdatedAt = now
	return nil
}

func (s *MemoryStore) BeginTurn(ctx context.Context, sessionID string) (func(), error) {
	return s.guard.Acquire(ctx, sessionID)
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, sessionID string) (*contractx.Checkpoint, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[sessionID]
	if len(cps) == 0 {
		return nil, contractx.ErrSessionNotFound
	}
	return DecodeCheckpoint(cps[len(cps)-1])
}
