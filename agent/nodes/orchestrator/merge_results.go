package orchestratornode

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

type resultPayload struct {
	Status    contractx.ToolCallStatus `json:"status"`
	ErrorKind contractx.ToolErrorKind  `json:"error_kind,omitempty"`
	Attempts  int                      `json:"attempts"`
	LatencyMS int64                    `json:"latency_ms"`
}

// Merge appends the assistant tool-call message and one tool message per
// call, in the order the planner requested them, then rebuilds the planner
// view. A cancelled turn aborts here rather than planning again.
func Merge(ctx context.Context, in *TurnState, compactor contractx.Compactor) (*TurnState, error) {
	if in.Phase != contractx.PhaseMerging {
		return nil, fmt.Errorf("%w: merge called in phase %s", ErrInvalidTransition, in.Phase)
	}
	if in.Staged == nil {
		return nil, fmt.Errorf("merge: no staged tool-call message")
	}

	byID := make(map[string]contractx.ToolResult, len(in.Results))
	for _, r := range in.Results {
		byID[r.CallID] = r
	}

	staged := in.Staged.Clone()
	for i, call := range staged.ToolCalls {
		if r, ok := byID[call.ID]; ok {
			staged.ToolCalls[i].Status = r.Status
		} else {
			staged.ToolCalls[i].Status = contractx.ToolCallFailed
		}
	}
	in.appendMessage(staged)

	for _, call := range staged.ToolCalls {
		r, ok := byID[call.ID]
		if !ok {
			r = contractx.ToolResult{
				CallID:    call.ID,
				Tool:      call.Tool,
				Status:    contractx.ToolCallFailed,
				ErrorKind: contractx.ToolErrCancelled,
				Error:     "no result produced",
			}
		}
		if r.Failed() {
			in.Degraded = true
		}
		msg, err := toolMessage(r)
		if err != nil {
			return nil, err
		}
		in.appendMessage(msg)
	}

	in.Pending = nil
	in.Staged = nil
	in.Results = nil

	if ctx.Err() != nil {
		return in, abort(in, contractx.AbortCancelled)
	}
	CompactHistory(in, compactor)
	return in, Transition(in, contractx.PhasePlanning)
}

func toolMessage(r contractx.ToolResult) (contractx.Message, error) {
	payload, err := sonic.ConfigStd.Marshal(resultPayload{
		Status:    r.Status,
		ErrorKind: r.ErrorKind,
		Attempts:  r.Attempts,
		LatencyMS: r.Latency.Milliseconds(),
	})
	if err != nil {
		return contractx.Message{}, fmt.Errorf("encode tool payload: %w", err)
	}

	content := string(r.Output)
	if r.Failed() {
		content = fmt.Sprintf("error: %s: %s (attempts=%d)", r.ErrorKind, r.Error, r.Attempts)
	}
	return contractx.Message{
		Role:       contractx.RoleTool,
		Content:    content,
		Payload:    payload,
		ToolCallID: r.CallID,
		ToolName:   r.Tool,
	}, nil
}
