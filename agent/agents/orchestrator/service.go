package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	memoryx "github.com/tanpawarit/agentloop/agent/memory"
	nodex "github.com/tanpawarit/agentloop/agent/nodes/orchestrator"
	statex "github.com/tanpawarit/agentloop/agent/state"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidSession = nodex.ErrInvalidSession
)

type Config struct {
	MaxIterations int           `envconfig:"MAX_ITERATIONS" split_words:"true" default:"10"`
	HistoryBudget int           `envconfig:"HISTORY_BUDGET" split_words:"true" default:"24000"`
	TurnTimeout   time.Duration `envconfig:"TURN_TIMEOUT" split_words:"true" default:"5m"`
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.HistoryBudget <= 0 {
		c.HistoryBudget = 24000
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 5 * time.Minute
	}
	return c
}

// EffectiveTurnTimeout is the per-turn deadline New will apply.
func (c Config) EffectiveTurnTimeout() time.Duration {
	return c.withDefaults().TurnTimeout
}

// ToolCatalog is the planner-facing view of the tool registry.
type ToolCatalog interface {
	Specs() []contractx.ToolSpec
}

// Service runs conversation turns. Turns on one session are serialized by
// the store's BeginTurn claim; different sessions run concurrently.
type Service struct {
	cfg       Config
	store     statex.Store
	planner   contractx.Planner
	gateway   contractx.ToolGateway
	registry  ToolCatalog
	compactor contractx.Compactor
	metrics   *metricsx.Metrics

	runner compose.Runnable[*nodex.TurnState, *nodex.TurnState]

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	now   func() time.Time
	newID func() string
}

type Option func(*Service)

func WithMetrics(m *metricsx.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithCompactor(c contractx.Compactor) Option {
	return func(s *Service) {
		if c != nil {
			s.compactor = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(
	store statex.Store,
	planner contractx.Planner,
	gateway contractx.ToolGateway,
	registry ToolCatalog,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if gateway == nil {
		return nil, errors.New("tool gateway is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}

	s := &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		planner:   planner,
		gateway:   gateway,
		registry:  registry,
		compactor: memoryx.New(),
		inflight:  map[string]context.CancelFunc{},
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	runner, err := s.compileTurnGraph(context.Background())
	if err != nil {
		return nil, err
	}
	s.runner = runner
	return s, nil
}

type TurnOptions struct {
	Observer contractx.Observer
}

type TurnOption func(*TurnOptions)

// WithObserver streams turn events to fn while the turn runs.
func WithObserver(fn contractx.Observer) TurnOption {
	return func(o *TurnOptions) {
		o.Observer = fn
	}
}

func NewTurnOptions(opts ...TurnOption) TurnOptions {
	var to TurnOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&to)
		}
	}
	return to
}

func (s *Service) NewSessionID() string {
	return uuid.NewString()
}

// PostMessage runs one full turn. A budget-exceeded turn returns both the
// partial outcome and a budget_exceeded TurnError.
func (s *Service) PostMessage(ctx context.Context, sessionID, text string, opts ...TurnOption) (*contractx.TurnOutcome, error) {
	to := NewTurnOptions(opts...)

	in, err := nodex.ValidateRequest(nodex.GraphInput{
		SessionID:     sessionID,
		Text:          text,
		MaxIterations: s.cfg.MaxIterations,
		HistoryBudget: s.cfg.HistoryBudget,
		Observer:      to.Observer,
	}, s.now, s.newID)
	if err != nil {
		return nil, contractx.NewTurnError(contractx.KindValidation, "invalid request", err)
	}

	release, err := s.store.BeginTurn(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, contractx.ErrSessionBusy) {
			return nil, contractx.NewTurnError(contractx.KindSessionBusy, "a turn is already running", err)
		}
		return nil, contractx.NewTurnError(contractx.KindStorage, "begin turn", err)
	}
	defer release()

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()
	s.track(in.SessionID, cancel)
	defer s.untrack(in.SessionID)
	turnCtx = contractx.WithSessionID(turnCtx, in.SessionID)

	logger := log.With().Str("session_id", in.SessionID).Logger()
	start := s.now()

	out, err := s.runner.Invoke(turnCtx, in)
	if err != nil {
		if turnCtx.Err() != nil {
			s.metrics.Turn(string(contractx.PhaseAborted), string(contractx.AbortCancelled), in.Iteration)
			return nil, cancelledError(turnCtx)
		}
		logger.Error().Err(err).Msg("turn graph failed")
		return nil, contractx.NewTurnError(contractx.KindInternal, "turn graph failed", err)
	}

	terr := s.outcomeError(turnCtx, out)
	if out.Phase != contractx.PhaseDone && out.Phase != contractx.PhaseAborted {
		// the session could not be loaded
		return nil, terr
	}

	s.metrics.Turn(string(out.Phase), string(out.AbortReason), out.Iteration)
	outcome := out.Outcome()

	ev := logger.Info()
	if terr != nil {
		ev = logger.Warn().Err(terr)
	}
	ev.Int("turn", out.Turn).
		Int("iterations", out.Iteration).
		Str("phase", string(out.Phase)).
		Str("abort_reason", string(out.AbortReason)).
		Bool("degraded", out.Degraded).
		Bool("committed", out.Committed).
		Dur("elapsed", s.now().Sub(start)).
		Msg("turn finished")

	if out.AbortReason == contractx.AbortCancelled {
		return nil, terr
	}
	return &outcome, terr
}

func (s *Service) outcomeError(ctx context.Context, out *nodex.TurnState) error {
	if out.Err != nil {
		return out.Err
	}
	switch out.AbortReason {
	case contractx.AbortBudgetExceeded:
		return contractx.NewTurnError(contractx.KindBudgetExceeded,
			fmt.Sprintf("max iterations exceeded (%d)", out.MaxIterations), contractx.ErrBudgetExceeded)
	case contractx.AbortCancelled:
		return cancelledError(ctx)
	case contractx.AbortPlannerUnavailable:
		return contractx.NewTurnError(contractx.KindPlanner, "planner unavailable", contractx.ErrPlanner)
	}
	return nil
}

func cancelledError(ctx context.Context) error {
	reason := "turn cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "turn timed out"
	}
	return contractx.NewTurnError(contractx.KindCancelled, reason, contractx.ErrCancelled)
}

// Cancel stops the in-flight turn of a session. Nothing of that turn is
// committed. It reports whether a turn was running.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.inflight[strings.TrimSpace(sessionID)]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) GetHistory(ctx context.Context, sessionID string) (*contractx.Session, error) {
	sess, err := s.store.Load(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, classifyStoreErr("load session", err)
	}
	return sess, nil
}

// CloseSession rejects further turns. Closing an already closed session is a
// no-op.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	if err := s.store.Close(ctx, strings.TrimSpace(sessionID)); err != nil {
		return classifyStoreErr("close session", err)
	}
	return nil
}

// LastOutcome rebuilds the outcome of the latest committed turn.
func (s *Service) LastOutcome(ctx context.Context, sessionID string) (*contractx.TurnOutcome, error) {
	cp, err := s.store.LatestCheckpoint(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, classifyStoreErr("load checkpoint", err)
	}
	st, err := nodex.RestoreState(cp)
	if err != nil {
		return nil, contractx.NewTurnError(contractx.KindStorage, "restore checkpoint", err)
	}
	out := st.Outcome()
	return &out, nil
}

func (s *Service) track(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[sessionID] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.inflight, sessionID)
	s.mu.Unlock()
}

func classifyStoreErr(op string, err error) error {
	switch {
	case errors.Is(err, contractx.ErrSessionNotFound):
		return contractx.NewTurnError(contractx.KindNotFound, op, err)
	case errors.Is(err, statex.ErrInvalidSession):
		return contractx.NewTurnError(contractx.KindValidation, op, err)
	default:
		return contractx.NewTurnError(contractx.KindStorage, op, err)
	}
}
