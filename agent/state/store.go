package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

var (
	ErrInvalidSession = errors.New("session id is empty")
	ErrTurnConflict   = fmt.Errorf("%w: turn does not follow the last committed turn", contractx.ErrStorage)
)

type Config struct {
	Driver    string        `envconfig:"DRIVER" default:"memory"`
	DSN       string        `envconfig:"DSN"`
	RedisURL  string        `envconfig:"REDIS_URL" split_words:"true"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" split_words:"true" default:"agentloop:"`
	TTL       time.Duration `envconfig:"TTL" default:"0s"`
	LockTTL   time.Duration `envconfig:"LOCK_TTL" split_words:"true" default:"6m"`
}

// CheckLockTTL rejects a redis turn lock that can expire while a turn is
// still inside its timeout; another instance could then claim the session.
func (c Config) CheckLockTTL(turnTimeout time.Duration) error {
	if !strings.EqualFold(strings.TrimSpace(c.Driver), "redis") || turnTimeout <= 0 {
		return nil
	}
	lockTTL := c.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	if lockTTL <= turnTimeout {
		return fmt.Errorf("STORE_LOCK_TTL (%s) must be longer than the turn timeout (%s)", lockTTL, turnTimeout)
	}
	return nil
}

// Store is the persistence contract used by the orchestrator.
//
// AppendTurn commits one turn atomically: the new messages, the session row
// and the checkpoint are durable together or not at all. cp.Session is the
// session snapshot after the turn and must extend the stored one by msgs.
type Store interface {
	Load(ctx context.Context, sessionID string) (*contractx.Session, error)
	AppendTurn(ctx context.Context, sessionID string, msgs []contractx.Message, cp contractx.Checkpoint) error
	Close(ctx context.Context, sessionID string) error
	// BeginTurn claims the session for one turn; a held claim yields
	// contract.ErrSessionBusy. release is safe to call more than once.
	BeginTurn(ctx context.Context, sessionID string) (release func(), err error)
	LatestCheckpoint(ctx context.Context, sessionID string) (*contractx.Checkpoint, error)
}

func validateID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	return nil
}

// checkAppend validates a turn against the currently stored session, which
// is nil for a session that does not exist yet.
func checkAppend(cur *contractx.Session, sessionID string, msgs []contractx.Message, cp *contractx.Checkpoint) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if cp.SessionID != sessionID || cp.Session == nil || cp.Session.ID != sessionID {
		return fmt.Errorf("%w: checkpoint does not belong to session=%s", contractx.ErrValidation, sessionID)
	}
	if cp.Format == "" {
		cp.Format = CheckpointFormat
	}

	prevTurn, prevLen := 0, 0
	if cur != nil {
		if cur.Closed() {
			return contractx.ErrSessionClosed
		}
		prevTurn, prevLen = cur.Turn, len(cur.Messages)
	}
	if cp.Turn != prevTurn+1 || cp.Session.Turn != cp.Turn {
		return fmt.Errorf("%w: session=%s committed=%d got=%d", ErrTurnConflict, sessionID, prevTurn, cp.Turn)
	}
	if len(cp.Session.Messages) != prevLen+len(msgs) {
		return fmt.Errorf("%w: session=%s snapshot has %d messages, want %d",
			contractx.ErrValidation, sessionID, len(cp.Session.Messages), prevLen+len(msgs))
	}
	for _, m := range msgs {
		if m.Turn != cp.Turn {
			return fmt.Errorf("%w: message seq=%d belongs to turn %d, not %d", contractx.ErrValidation, m.Seq, m.Turn, cp.Turn)
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, contractx.ErrStorage) ||
		errors.Is(err, contractx.ErrValidation) ||
		errors.Is(err, contractx.ErrSessionNotFound) ||
		errors.Is(err, contractx.ErrSessionClosed) ||
		errors.Is(err, contractx.ErrSessionBusy) ||
		errors.Is(err, ErrInvalidSession) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", contractx.ErrStorage, op, err)
}
