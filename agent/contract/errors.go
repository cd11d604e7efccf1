package contract

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrUnknownTool          = fmt.Errorf("%w: unknown tool", ErrValidation)
	ErrTransientTool        = errors.New("transient tool failure")
	ErrNonIdempotentFailure = errors.New("non-idempotent tool failed")
	ErrPlanner              = errors.New("planner unavailable")
	ErrBudgetExceeded       = errors.New("max iterations exceeded")
	ErrSessionBusy          = errors.New("session busy")
	ErrStorage              = errors.New("storage failure")
	ErrCancelled            = errors.New("turn cancelled")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session closed")
)

// ErrorKind is the machine-readable class of a terminal turn failure.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation_error"
	KindPlanner        ErrorKind = "planner_unavailable"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindSessionBusy    ErrorKind = "session_busy"
	KindStorage        ErrorKind = "storage_error"
	KindCancelled      ErrorKind = "cancelled"
	KindNotFound       ErrorKind = "not_found"
	KindSessionClosed  ErrorKind = "session_closed"
	KindInternal       ErrorKind = "internal"
)

// TurnError is the structured error returned to Session API callers.
type TurnError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func NewTurnError(kind ErrorKind, reason string, err error) *TurnError {
	return &TurnError{Kind: kind, Reason: reason, Err: err}
}

// KindOf classifies any error returned by the orchestrator.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrSessionClosed):
		return KindSessionClosed
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrPlanner):
		return KindPlanner
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}
