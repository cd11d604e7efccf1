package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	"github.com/uptrace/bun"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:agent_sessions,alias:s"`

	ID        string     `bun:"id,pk"`
	Turn      int        `bun:"turn,notnull"`
	Status    string     `bun:"status,notnull"`
	CreatedAt time.Time  `bun:"created_at,notnull"`
	UpdatedAt time.Time  `bun:"updated_at,notnull"`
	ClosedAt  *time.Time `bun:"closed_at"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:agent_messages,alias:m"`

	ID         int64     `bun:"id,pk,autoincrement"`
	SessionID  string    `bun:"session_id,notnull,unique:session_seq"`
	Seq        int       `bun:"seq,notnull,unique:session_seq"`
	Turn       int       `bun:"turn,notnull"`
	Role       string    `bun:"role,notnull"`
	Content    string    `bun:"content"`
	Payload    string    `bun:"payload"`
	ToolCalls  string    `bun:"tool_calls"`
	ToolCallID string    `bun:"tool_call_id"`
	ToolName   string    `bun:"tool_name"`
	Compacted  bool      `bun:"compacted,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

type checkpointRow struct {
	bun.BaseModel `bun:"table:agent_checkpoints,alias:c"`

	SessionID   string    `bun:"session_id,pk"`
	Turn        int       `bun:"turn,pk"`
	Format      string    `bun:"format,notnull"`
	Phase       string    `bun:"phase,notnull"`
	AbortReason string    `bun:"abort_reason"`
	Iteration   int       `bun:"iteration,notnull"`
	Data        string    `bun:"data,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

// BunStore persists sessions in postgres (pgdialect) or sqlite
// (sqlitedialect). The turn claim is process-local.
type BunStore struct {
	db    *bun.DB
	guard *TurnGuard
	now   func() time.Time
}

var _ Store = (*BunStore)(nil)

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db, guard: NewTurnGuard(), now: time.Now}
}

func (s *BunStore) Migrate(ctx context.Context) error {
	models := []any{(*sessionRow)(nil), (*messageRow)(nil), (*checkpointRow)(nil)}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return storageErr("create table", err)
		}
	}
	return nil
}

func (s *BunStore) Load(ctx context.Context, sessionID string) (*contractx.Session, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, sessionID)
}

func (s *BunStore) load(ctx context.Context, db bun.IDB, sessionID string) (*contractx.Session, error) {
	var row sessionRow
	if err := db.NewSelect().Model(&row).Where("id = ?", sessionID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contractx.ErrSessionNotFound
		}
		return nil, storageErr("select session", err)
	}

	var rows []messageRow
	if err := db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("seq ASC").Scan(ctx); err != nil {
		return nil, storageErr("select messages", err)
	}

	sess := &contractx.Session{
		ID:        row.ID,
		Turn:      row.Turn,
		Status:    contractx.SessionStatus(row.Status),
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
		Messages:  make([]contractx.Message, 0, len(rows)),
	}
	if row.ClosedAt != nil {
		closedAt := row.ClosedAt.UTC()
		sess.ClosedAt = &closedAt
	}
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, storageErr("decode message", err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, nil
}

func (s *BunStore) AppendTurn(ctx context.Context, sessionID string, msgs []contractx.Message, cp contractx.Checkpoint) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		cur, err := s.load(ctx, tx, sessionID)
		if err != nil && !errors.Is(err, contractx.ErrSessionNotFound) {
			return err
		}
		if err := checkAppend(cur, sessionID, msgs, &cp); err != nil {
			return err
		}

		snap := cp.Session
		row := sessionRow{
			ID:        sessionID,
			Turn:      snap.Turn,
			Status:    string(snap.Status),
			CreatedAt: snap.CreatedAt.UTC(),
			UpdatedAt: snap.UpdatedAt.UTC(),
		}
		if cur == nil {
			if _, err := tx.NewInsert().Model(&row).Exec(ctx); err != nil {
				return fmt.Errorf("%w: insert session: %v", ErrTurnConflict, err)
			}
		} else {
			// optimistic: the row must still be at the turn we validated against
			res, err := tx.NewUpdate().Model(&row).
				Column("turn", "status", "updated_at").
				Where("id = ?", sessionID).
				Where("turn = ?", cur.Turn).
				Where("closed_at IS NULL").
				Exec(ctx)
			if err != nil {
				return storageErr("update session", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return ErrTurnConflict
			}
		}

		if len(msgs) > 0 {
			rows := make([]messageRow, 0, len(msgs))
			for _, m := range msgs {
				r, err := newMessageRow(sessionID, m)
				if err != nil {
					return storageErr("encode message", err)
				}
				rows = append(rows, r)
			}
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return storageErr("insert messages", err)
			}
		}

		data, err := EncodeCheckpoint(cp)
		if err != nil {
			return storageErr("encode checkpoint", err)
		}
		cpRow := checkpointRow{
			SessionID:   sessionID,
			Turn:        cp.Turn,
			Format:      cp.Format,
			Phase:       string(cp.Phase),
			AbortReason: string(cp.AbortReason),
			Iteration:   cp.Iteration,
			Data:        string(data),
			CreatedAt:   cp.CreatedAt.UTC(),
		}
		if _, err := tx.NewInsert().Model(&cpRow).Exec(ctx); err != nil {
			return storageErr("insert checkpoint", err)
		}
		return nil
	})
	return storageErr("append turn", err)
}

func (s *BunStore) Close(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.db.NewUpdate().Model((*sessionRow)(nil)).
		Set("closed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", sessionID).
		Where("closed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return storageErr("close session", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	exists, err := s.db.NewSelect().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exists(ctx)
	if err != nil {
		return storageErr("select session", err)
	}
	if !exists {
		return contractx.ErrSessionNotFound
	}
	return nil
}

func (s *BunStore) BeginTurn(ctx context.Context, sessionID string) (func(), error) {
	return s.guard.Acquire(ctx, sessionID)
}

func (s *BunStore) LatestCheckpoint(ctx context.Context, sessionID string) (*contractx.Checkpoint, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	var row checkpointRow
	err := s.db.NewSelect().Model(&row).
		Where("session_id = ?", sessionID).
		Order("turn DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contractx.ErrSessionNotFound
		}
		return nil, storageErr("select checkpoint", err)
	}
	return DecodeCheckpoint([]byte(row.Data))
}

func newMessageRow(sessionID string, m contractx.Message) (messageRow, error) {
	row := messageRow{
		SessionID:  sessionID,
		Seq:        m.Seq,
		Turn:       m.Turn,
		Role:       string(m.Role),
		Content:    m.Content,
		Payload:    string(m.Payload),
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
		Compacted:  m.Compacted,
		CreatedAt:  m.CreatedAt.UTC(),
	}
	if len(m.ToolCalls) > 0 {
		raw, err := sonic.ConfigStd.Marshal(m.ToolCalls)
		if err != nil {
			return messageRow{}, err
		}
		row.ToolCalls = string(raw)
	}
	return row, nil
}

func (r messageRow) toMessage() (contractx.Message, error) {
	m := contractx.Message{
		Seq:        r.Seq,
		Turn:       r.Turn,
		Role:       contractx.Role(r.Role),
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		Compacted:  r.Compacted,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.Payload != "" {
		m.Payload = []byte(r.Payload)
	}
	if r.ToolCalls != "" {
		if err := sonic.ConfigStd.UnmarshalFromString(r.ToolCalls, &m.ToolCalls); err != nil {
			return contractx.Message{}, err
		}
	}
	return m, nil
}
