package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallSucceeded ToolCallStatus = "succeeded"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallTimedOut  ToolCallStatus = "timed_out"
)

// ToolErrorKind classifies a failed ToolResult.
type ToolErrorKind string

const (
	ToolErrValidation    ToolErrorKind = "validation"
	ToolErrExhausted     ToolErrorKind = "exhausted"
	ToolErrNonIdempotent ToolErrorKind = "non_idempotent_failure"
	ToolErrCancelled     ToolErrorKind = "cancelled"
)

type Phase string

const (
	PhasePlanning    Phase = "PLANNING"
	PhaseDispatching Phase = "DISPATCHING"
	PhaseMerging     Phase = "MERGING"
	PhaseDone        Phase = "DONE"
	PhaseAborted     Phase = "ABORTED"
)

type AbortReason string

const (
	AbortBudgetExceeded     AbortReason = "budget_exceeded"
	AbortPlannerUnavailable AbortReason = "planner_unavailable"
	AbortCancelled          AbortReason = "cancelled"
)

type Session struct {
	ID        string        `json:"id"`
	Messages  []Message     `json:"messages"`
	Turn      int           `json:"turn"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

func (s *Session) Closed() bool {
	return s != nil && s.ClosedAt != nil
}

// Clone returns a deep copy so callers can never mutate a stored session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		out.ClosedAt = &closedAt
	}
	return &out
}

// Message is immutable once appended to a Session.
type Message struct {
	Seq        int             `json:"seq"`
	Turn       int             `json:"turn"`
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Compacted  bool            `json:"compacted,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func (m Message) Clone() Message {
	out := m
	if m.Payload != nil {
		out.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	out.ToolCalls = CloneCalls(m.ToolCalls)
	return out
}

type ToolCall struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Turn   int            `json:"turn"`
	Status ToolCallStatus `json:"status"`
}

func CloneCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		out[i] = c.Clone()
	}
	return out
}

func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Args != nil {
		out.Args = make(map[string]any, len(c.Args))
		for k, v := range c.Args {
			out.Args[k] = v
		}
	}
	return out
}

// ToolResult is produced exactly once per ToolCall. Attempts counts adapter
// invocations, so a validation rejection reports zero.
type ToolResult struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Status    ToolCallStatus  `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind ToolErrorKind   `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Latency   time.Duration   `json:"latency"`
	Attempts  int             `json:"attempts"`
}

func (r ToolResult) Failed() bool {
	return r.ErrorKind != ""
}

// Err returns nil for a successful result, otherwise the message wrapped in
// the sentinel matching ErrorKind.
func (r ToolResult) Err() error {
	var sentinel error
	switch r.ErrorKind {
	case "":
		return nil
	case ToolErrValidation:
		sentinel = ErrValidation
	case ToolErrNonIdempotent:
		sentinel = ErrNonIdempotentFailure
	case ToolErrCancelled:
		sentinel = ErrCancelled
	default:
		sentinel = ErrTransientTool
	}
	return fmt.Errorf("%w: tool=%s: %s", sentinel, r.Tool, r.Error)
}

// ToolProposal is a tool request produced by the reasoning call before it is
// assigned an id and a turn.
type ToolProposal struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type Plan struct {
	Answer  string         `json:"answer,omitempty"`
	Content string         `json:"content,omitempty"` // text sent alongside tool requests
	Calls   []ToolProposal `json:"calls,omitempty"`
}

func (p Plan) IsAnswer() bool {
	return len(p.Calls) == 0
}

type PlanRequest struct {
	SessionID string     `json:"session_id"`
	Turn      int        `json:"turn"`
	Iteration int        `json:"iteration"`
	History   []Message  `json:"history"`
	Tools     []ToolSpec `json:"tools"`
}

// ToolSpec is the reasoning-facing view of a registered tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ReasonRequest struct {
	History  []Message  `json:"history"`
	Tools    []ToolSpec `json:"tools"`
	Feedback string     `json:"feedback,omitempty"`
}

type ReasonResponse struct {
	Content string         `json:"content,omitempty"`
	Calls   []ToolProposal `json:"calls,omitempty"`
}

// Checkpoint is keyed by (SessionID, Turn) and carries the full Session
// snapshot as of the commit.
type Checkpoint struct {
	Format      string      `json:"format"`
	SessionID   string      `json:"session_id"`
	Turn        int         `json:"turn"`
	Iteration   int         `json:"iteration"`
	Phase       Phase       `json:"phase"`
	AbortReason AbortReason `json:"abort_reason,omitempty"`
	Degraded    bool        `json:"degraded,omitempty"`
	BudgetUsed  int         `json:"budget_used"`
	Session     *Session    `json:"session"`
	CreatedAt   time.Time   `json:"created_at"`
}

type TurnOutcome struct {
	SessionID   string      `json:"session_id"`
	Turn        int         `json:"turn"`
	Phase       Phase       `json:"phase"`
	Answer      string      `json:"answer,omitempty"`
	Degraded    bool        `json:"degraded"`
	AbortReason AbortReason `json:"abort_reason,omitempty"`
	Iterations  int         `json:"iterations"`
	Messages    []Message   `json:"messages,omitempty"`
	Committed   bool        `json:"committed"`
}
