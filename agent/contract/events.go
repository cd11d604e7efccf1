package contract

type EventKind string

const (
	EventPhase      EventKind = "phase"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventAnswer     EventKind = "answer"
	EventAborted    EventKind = "aborted"
)

// Event is a progress notification emitted while a turn runs.
type Event struct {
	Kind      EventKind   `json:"kind"`
	SessionID string      `json:"session_id"`
	Turn      int         `json:"turn"`
	Iteration int         `json:"iteration"`
	Phase     Phase       `json:"phase,omitempty"`
	Call      *ToolCall   `json:"call,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	Answer    string      `json:"answer,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
	Reason    AbortReason `json:"reason,omitempty"`
}

// Observer receives events synchronously from the turn goroutine and must
// not block.
type Observer func(Event)
