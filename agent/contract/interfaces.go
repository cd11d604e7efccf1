package contract

import "context"

// Reasoner is the external reasoning call. Implementations must be safe to
// retry.
type Reasoner interface {
	Reason(ctx context.Context, req ReasonRequest) (ReasonResponse, error)
}

type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
}

type ToolGateway interface {
	DispatchAll(ctx context.Context, calls []ToolCall) []ToolResult
}

type Compactor interface {
	Compact(msgs []Message, budget int, inflightTurn int) []Message
	Size(msgs []Message) int
}

type sessionKey struct{}

// WithSessionID scopes tool adapters (retrieval in particular) to a session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey{}).(string)
	return v
}
