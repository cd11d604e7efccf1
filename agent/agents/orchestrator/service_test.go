package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/tanpawarit/agentloop/agent/contract"
	dispatchx "github.com/tanpawarit/agentloop/agent/dispatch"
	plannerx "github.com/tanpawarit/agentloop/agent/planner"
	statex "github.com/tanpawarit/agentloop/agent/state"
	toolx "github.com/tanpawarit/agentloop/agent/tool"
)

type fakePlanner struct {
	mu    sync.Mutex
	steps []func(req contractx.PlanRequest) (contractx.Plan, error)
	reqs  []contractx.PlanRequest
}

func (f *fakePlanner) Plan(ctx context.Context, req contractx.PlanRequest) (contractx.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)
	if len(f.steps) == 0 {
		return contractx.Plan{Answer: "done"}, nil
	}
	step := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	return step(req)
}

func (f *fakePlanner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func callTools(content string, proposals ...contractx.ToolProposal) func(contractx.PlanRequest) (contractx.Plan, error) {
	return func(contractx.PlanRequest) (contractx.Plan, error) {
		return contractx.Plan{Content: content, Calls: proposals}, nil
	}
}

func answer(text string) func(contractx.PlanRequest) (contractx.Plan, error) {
	return func(contractx.PlanRequest) (contractx.Plan, error) {
		return contractx.Plan{Answer: text}, nil
	}
}

type scriptedReasoner struct {
	responses []contractx.ReasonResponse
	calls     int
}

func (r *scriptedReasoner) Reason(ctx context.Context, req contractx.ReasonRequest) (contractx.ReasonResponse, error) {
	r.calls++
	if r.calls > len(r.responses) {
		return contractx.ReasonResponse{}, contractx.ErrModelInvoke
	}
	return r.responses[r.calls-1], nil
}

type failingCommitStore struct {
	*statex.MemoryStore
}

func (f failingCommitStore) AppendTurn(context.Context, string, []contractx.Message, contractx.Checkpoint) error {
	return errors.New("disk full")
}

func newRegistry(t *testing.T) *toolx.Registry {
	t.Helper()

	r := toolx.NewRegistry()
	r.MustRegister(toolx.Descriptor{Name: "get_system_vitals", Timeout: time.Second, Idempotent: true},
		toolx.AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
			return map[string]any{"cpu_percent": 42.5}, nil
		}))
	r.MustRegister(toolx.Descriptor{
		Name: "log_expense",
		Params: []toolx.Param{
			{Name: "amount", Type: toolx.TypeNumber, Required: true},
			{Name: "category", Type: toolx.TypeString, Required: true},
		},
		Timeout: time.Second,
	}, toolx.AdapterFunc(func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"id": 1, "amount": args["amount"], "session_id": contractx.SessionIDFrom(ctx)}, nil
	}))
	r.MustRegister(toolx.Descriptor{Name: "slow", Timeout: time.Second, Idempotent: true},
		toolx.AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow", nil
		}))
	r.MustRegister(toolx.Descriptor{Name: "fast", Timeout: time.Second, Idempotent: true},
		toolx.AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
			return "fast", nil
		}))
	r.MustRegister(toolx.Descriptor{Name: "hang", Timeout: 20 * time.Millisecond, Idempotent: true},
		toolx.AdapterFunc(func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	r.Freeze()
	return r
}

func newTestService(t *testing.T, store statex.Store, planner contractx.Planner, cfg Config) *Service {
	t.Helper()

	registry := newRegistry(t)
	dispatcher, err := dispatchx.New(registry, dispatchx.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 5
	}
	svc, err := New(store, planner, dispatcher, registry, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc
}

func TestPostMessageInvalidInput(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, statex.NewMemoryStore(), &fakePlanner{}, Config{})

	_, err := svc.PostMessage(context.Background(), "   ", "hello")
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	_, err = svc.PostMessage(context.Background(), "s1", "    ")
	if !errors.Is(err, ErrInvalidMessage) || contractx.KindOf(err) != contractx.KindValidation {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestPostMessageToolsThenAnswer(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	registry := newRegistry(t)
	reasoner := &scriptedReasoner{responses: []contractx.ReasonResponse{
		{Calls: []contractx.ToolProposal{
			{Tool: "get_system_vitals"},
			{Tool: "log_expense", Args: map[string]any{"amount": 12.5, "category": "food"}},
		}},
		{Content: "CPU is at 42.5% and I logged 12.50 for food."},
	}}
	planner, err := plannerx.New(reasoner, registry, plannerx.Config{BaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("planner.New() error = %v", err)
	}
	dispatcher, err := dispatchx.New(registry, dispatchx.Config{})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	svc, err := New(store, planner, dispatcher, registry, Config{MaxIterations: 5})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var events []contractx.EventKind
	out, err := svc.PostMessage(context.Background(), "session-1", "How busy is my CPU? Also log 12.50 for food.",
		WithObserver(func(ev contractx.Event) { events = append(events, ev.Kind) }))
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if out.Answer != "CPU is at 42.5% and I logged 12.50 for food." {
		t.Fatalf("unexpected answer: %q", out.Answer)
	}
	if out.Iterations != 2 || out.Degraded || !out.Committed || out.Phase != contractx.PhaseDone {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	sess, err := svc.GetHistory(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	roles := make([]string, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		roles = append(roles, string(m.Role))
	}
	if got := strings.Join(roles, ","); got != "user,assistant,tool,tool,assistant" {
		t.Fatalf("unexpected history roles: %s", got)
	}
	if sess.Status != contractx.SessionCompleted || sess.Turn != 1 {
		t.Fatalf("unexpected session: status=%s turn=%d", sess.Status, sess.Turn)
	}
	if !strings.Contains(sess.Messages[3].Content, `"session_id":"session-1"`) {
		t.Fatalf("expense tool did not see the session id: %s", sess.Messages[3].Content)
	}
	if events[len(events)-1] != contractx.EventAnswer {
		t.Fatalf("last event = %s, want answer", events[len(events)-1])
	}
}

func TestPostMessageBudgetExceeded(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		callTools("still checking", contractx.ToolProposal{Tool: "fast"}),
	}}
	svc := newTestService(t, store, planner, Config{MaxIterations: 2})

	out, err := svc.PostMessage(context.Background(), "session-2", "loop forever")
	if contractx.KindOf(err) != contractx.KindBudgetExceeded || !errors.Is(err, contractx.ErrBudgetExceeded) {
		t.Fatalf("expected budget_exceeded, got %v", err)
	}
	if planner.calls() != 2 {
		t.Fatalf("expected planner called twice, got %d", planner.calls())
	}
	if out == nil || out.Answer != "still checking" || !out.Degraded || !out.Committed {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	sess, err := store.Load(context.Background(), "session-2")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// user + 2 x (assistant, tool) + partial answer
	if len(sess.Messages) != 6 || sess.Status != contractx.SessionAborted {
		t.Fatalf("unexpected session: status=%s messages=%d", sess.Status, len(sess.Messages))
	}
}

func TestPostMessageKeepsRequestOrder(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		callTools("", contractx.ToolProposal{Tool: "slow"}, contractx.ToolProposal{Tool: "fast"}),
		answer("both done"),
	}}
	svc := newTestService(t, store, planner, Config{})

	if _, err := svc.PostMessage(context.Background(), "session-3", "run both"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	sess, err := store.Load(context.Background(), "session-3")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sess.Messages[2].ToolName != "slow" || sess.Messages[3].ToolName != "fast" {
		t.Fatalf("unexpected tool order: %s, %s", sess.Messages[2].ToolName, sess.Messages[3].ToolName)
	}
	call := sess.Messages[1].ToolCalls
	if call[0].ID != sess.Messages[2].ToolCallID || call[1].ID != sess.Messages[3].ToolCallID {
		t.Fatalf("tool call ids do not line up with results")
	}

	// the second planning call sees both results
	req := planner.reqs[1]
	if req.Iteration != 2 || len(req.History) != 4 {
		t.Fatalf("unexpected second plan request: iteration=%d history=%d", req.Iteration, len(req.History))
	}
}

func TestPostMessageDegradedAfterExhaustedTimeouts(t *testing.T) {
	t.Parallel()

	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		callTools("", contractx.ToolProposal{Tool: "hang"}),
		answer("the monitor did not respond"),
	}}
	svc := newTestService(t, statex.NewMemoryStore(), planner, Config{})

	out, err := svc.PostMessage(context.Background(), "session-4", "check it")
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if !out.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	tool := out.Messages[2]
	if !strings.HasPrefix(tool.Content, "error: exhausted") || !strings.Contains(tool.Content, "attempts=2") {
		t.Fatalf("unexpected tool message: %q", tool.Content)
	}
	if out.Messages[1].ToolCalls[0].Status != contractx.ToolCallTimedOut {
		t.Fatalf("unexpected call status: %s", out.Messages[1].ToolCalls[0].Status)
	}
}

func TestPostMessageCancelCommitsNothing(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	started := make(chan struct{})
	var once sync.Once
	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		func(contractx.PlanRequest) (contractx.Plan, error) {
			once.Do(func() { close(started) })
			return contractx.Plan{Calls: []contractx.ToolProposal{{Tool: "slow"}}}, nil
		},
	}}
	svc := newTestService(t, store, planner, Config{MaxIterations: 100})

	go func() {
		<-started
		svc.Cancel("session-5")
	}()

	out, err := svc.PostMessage(context.Background(), "session-5", "take your time")
	if contractx.KindOf(err) != contractx.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if out != nil {
		t.Fatalf("expected no outcome, got %+v", out)
	}
	if _, err := store.Load(context.Background(), "session-5"); !errors.Is(err, contractx.ErrSessionNotFound) {
		t.Fatalf("expected nothing committed, got %v", err)
	}
	if svc.Cancel("session-5") {
		t.Fatalf("Cancel() = true after the turn finished")
	}
}

func TestPostMessageTurnTimeout(t *testing.T) {
	t.Parallel()

	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		callTools("", contractx.ToolProposal{Tool: "slow"}),
	}}
	svc := newTestService(t, statex.NewMemoryStore(), planner, Config{MaxIterations: 100, TurnTimeout: 30 * time.Millisecond})

	_, err := svc.PostMessage(context.Background(), "session-6", "wait")
	if contractx.KindOf(err) != contractx.KindCancelled || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPostMessagePlannerUnavailable(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	planner := &fakePlanner{steps: []func(contractx.PlanRequest) (contractx.Plan, error){
		func(contractx.PlanRequest) (contractx.Plan, error) {
			return contractx.Plan{}, contractx.ErrPlanner
		},
	}}
	svc := newTestService(t, store, planner, Config{})

	out, err := svc.PostMessage(context.Background(), "session-7", "hello")
	if contractx.KindOf(err) != contractx.KindPlanner {
		t.Fatalf("expected planner_unavailable, got %v", err)
	}
	if out == nil || out.Answer != "" || !out.Committed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	sess, err := store.Load(context.Background(), "session-7")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sess.Status != contractx.SessionFailed || len(sess.Messages) != 1 {
		t.Fatalf("unexpected session: status=%s messages=%d", sess.Status, len(sess.Messages))
	}
}

func TestPostMessageSessionBusy(t *testing.T) {
	t.Parallel()

	store := statex.NewMemoryStore()
	svc := newTestService(t, store, &fakePlanner{}, Config{})

	release, err := store.BeginTurn(context.Background(), "session-8")
	if err != nil {
		t.Fatalf("BeginTurn() error = %v", err)
	}
	defer release()

	_, err = svc.PostMessage(context.Background(), "session-8", "hello")
	if contractx.KindOf(err) != contractx.KindSessionBusy {
		t.Fatalf("expected session_busy, got %v", err)
	}
}

func TestPostMessageStorageFailure(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, failingCommitStore{statex.NewMemoryStore()}, &fakePlanner{}, Config{})

	out, err := svc.PostMessage(context.Background(), "session-9", "hello")
	if contractx.KindOf(err) != contractx.KindStorage {
		t.Fatalf("expected storage_error, got %v", err)
	}
	if out == nil || out.Committed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestClosedSessionRejectsTurns(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, statex.NewMemoryStore(), &fakePlanner{}, Config{})
	ctx := context.Background()

	if _, err := svc.PostMessage(ctx, "session-10", "hello"); err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	last, err := svc.LastOutcome(ctx, "session-10")
	if err != nil {
		t.Fatalf("LastOutcome() error = %v", err)
	}
	if last.Answer != "done" || last.Turn != 1 {
		t.Fatalf("unexpected last outcome: %+v", last)
	}

	if err := svc.CloseSession(ctx, "session-10"); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	_, err = svc.PostMessage(ctx, "session-10", "again")
	if contractx.KindOf(err) != contractx.KindSessionClosed {
		t.Fatalf("expected session_closed, got %v", err)
	}
	if _, err := svc.GetHistory(ctx, "missing"); contractx.KindOf(err) != contractx.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}
