package orchestratornode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

var (
	ErrInvalidMessage    = fmt.Errorf("%w: message is empty", contractx.ErrValidation)
	ErrInvalidSession    = fmt.Errorf("%w: session id is empty", contractx.ErrValidation)
	ErrInvalidTransition = errors.New("invalid phase transition")
)

type GraphInput struct {
	SessionID     string
	Text          string
	MaxIterations int
	HistoryBudget int
	Observer      contractx.Observer
}

// TurnState is threaded through every node of one turn and discarded once
// the turn is committed.
type TurnState struct {
	SessionID     string
	Text          string
	Turn          int
	Iteration     int
	MaxIterations int
	HistoryBudget int
	BudgetUsed    int

	// Session is the committed snapshot the turn started from.
	Session *contractx.Session
	// Messages are the turn's own messages in append order.
	Messages []contractx.Message
	// Context is the compacted view handed to the planner.
	Context []contractx.Message

	Pending []contractx.ToolCall
	Staged  *contractx.Message
	Results []contractx.ToolResult

	Phase         contractx.Phase
	Answer        string
	PartialAnswer string
	Degraded      bool
	AbortReason   contractx.AbortReason
	Committed     bool
	// Err is the terminal failure surfaced to the caller, if any.
	Err error

	Observer contractx.Observer
	Now      func() time.Time
	NewID    func() string
}

func ValidateRequest(in GraphInput, nowFn func() time.Time, newID func() string) (*TurnState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}
	if in.MaxIterations <= 0 {
		return nil, fmt.Errorf("%w: max iterations must be positive", contractx.ErrValidation)
	}

	return &TurnState{
		SessionID:     sessionID,
		Text:          text,
		MaxIterations: in.MaxIterations,
		HistoryBudget: in.HistoryBudget,
		Phase:         contractx.PhasePlanning,
		Observer:      in.Observer,
		Now:           nowFn,
		NewID:         newID,
	}, nil
}

func (s *TurnState) emit(ev contractx.Event) {
	if s.Observer == nil {
		return
	}
	ev.SessionID = s.SessionID
	ev.Turn = s.Turn
	ev.Iteration = s.Iteration
	s.Observer(ev)
}

func (s *TurnState) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// appendMessage assigns the next session sequence number.
func (s *TurnState) appendMessage(m contractx.Message) {
	base := 0
	if s.Session != nil {
		base = len(s.Session.Messages)
	}
	m.Seq = base + len(s.Messages) + 1
	m.Turn = s.Turn
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.Messages = append(s.Messages, m)
}

// History is the full uncompacted history: committed messages followed by
// the turn's own.
func (s *TurnState) History() []contractx.Message {
	var out []contractx.Message
	if s.Session != nil {
		out = append(out, contractx.CloneMessages(s.Session.Messages)...)
	}
	return append(out, contractx.CloneMessages(s.Messages)...)
}

func (s *TurnState) Outcome() contractx.TurnOutcome {
	return contractx.TurnOutcome{
		SessionID:   s.SessionID,
		Turn:        s.Turn,
		Phase:       s.Phase,
		Answer:      s.Answer,
		Degraded:    s.Degraded,
		AbortReason: s.AbortReason,
		Iterations:  s.Iteration,
		Messages:    contractx.CloneMessages(s.Messages),
		Committed:   s.Committed,
	}
}
