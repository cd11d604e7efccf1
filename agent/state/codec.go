package state

import (
	"fmt"

	"github.com/bytedance/sonic"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// CheckpointFormat tags every persisted checkpoint so readers can reject
// layouts they do not understand.
const CheckpointFormat = "agentloop.checkpoint/v1"

func EncodeCheckpoint(cp contractx.Checkpoint) ([]byte, error) {
	if cp.Format == "" {
		cp.Format = CheckpointFormat
	}
	raw, err := sonic.ConfigStd.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return raw, nil
}

func DecodeCheckpoint(raw []byte) (*contractx.Checkpoint, error) {
	var cp contractx.Checkpoint
	if err := sonic.ConfigStd.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Format != CheckpointFormat {
		return nil, fmt.Errorf("%w: unsupported checkpoint format %q", contractx.ErrStorage, cp.Format)
	}
	if cp.Session == nil || cp.Session.ID != cp.SessionID {
		return nil, fmt.Errorf("%w: checkpoint session snapshot missing", contractx.ErrStorage)
	}
	return &cp, nil
}

func encodeSession(s *contractx.Session) ([]byte, error) {
	raw, err := sonic.ConfigStd.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return raw, nil
}

func decodeSession(raw []byte) (*contractx.Session, error) {
	var s contractx.Session
	if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}
