package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
)

type Config struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" split_words:"true" default:"1s"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" split_words:"true" default:"10s"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Validator checks proposed tool arguments. *tool.Registry implements it.
type Validator interface {
	Validate(name string, args map[string]any) (map[string]any, error)
}

// Planner wraps the reasoning call: it retries transient failures, validates
// every proposal and allows one self-correction round.
type Planner struct {
	reasoner contractx.Reasoner
	tools    Validator
	cfg      Config
	metrics  *metricsx.Metrics
}

var _ contractx.Planner = (*Planner)(nil)

type Option func(*Planner)

func WithMetrics(m *metricsx.Metrics) Option {
	return func(p *Planner) {
		p.metrics = m
	}
}

func New(reasoner contractx.Reasoner, tools Validator, cfg Config, opts ...Option) (*Planner, error) {
	if reasoner == nil {
		return nil, errors.New("reasoner is required")
	}
	if tools == nil {
		return nil, errors.New("tool validator is required")
	}
	p := &Planner{reasoner: reasoner, tools: tools, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func (p *Planner) Plan(ctx context.Context, req contractx.PlanRequest) (contractx.Plan, error) {
	logger := log.With().
		Str("session_id", req.SessionID).
		Int("turn", req.Turn).
		Int("iteration", req.Iteration).
		Logger()

	rreq := contractx.ReasonRequest{History: req.History, Tools: req.Tools}
	resp, err := p.reason(ctx, rreq)
	if err != nil {
		return contractx.Plan{}, err
	}
	plan, verr := p.validate(resp)
	if verr == nil {
		p.metrics.PlannerCall("ok")
		return plan, nil
	}

	logger.Warn().Err(verr).Msg("planner proposals rejected, asking for a correction")
	p.metrics.PlannerCall("invalid")
	rreq.Feedback = correctionFeedback(verr)

	resp, err = p.reason(ctx, rreq)
	if err != nil {
		return contractx.Plan{}, err
	}
	plan, verr = p.validate(resp)
	if verr != nil {
		p.metrics.PlannerCall("invalid")
		logger.Error().Err(verr).Msg("planner proposals still invalid after correction")
		return contractx.Plan{}, fmt.Errorf("%w: invalid tool proposals after self-correction: %v", contractx.ErrPlanner, verr)
	}
	p.metrics.PlannerCall("ok")
	return plan, nil
}

// reason calls the reasoner with a bounded timeout, retrying errors and empty
// responses with exponential backoff.
func (p *Planner) reason(ctx context.Context, req contractx.ReasonRequest) (contractx.ReasonResponse, error) {
	var (
		resp     contractx.ReasonResponse
		attempts int
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		out, err := p.reasoner.Reason(callCtx, req)
		if err == nil && strings.TrimSpace(out.Content) == "" && len(out.Calls) == 0 {
			err = fmt.Errorf("%w: empty response", contractx.ErrSchemaViolation)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			p.metrics.PlannerCall("retry")
			log.Debug().Err(err).Int("attempt", attempts).Msg("reasoning call failed")
			return err
		}
		resp = out
		return nil
	}

	err := backoff.Retry(op, p.newBackOff(ctx))
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contractx.ReasonResponse{}, ctxErr
	}
	p.metrics.PlannerCall("error")
	return contractx.ReasonResponse{}, fmt.Errorf("%w: %d attempts: %v", contractx.ErrPlanner, attempts, err)
}

func (p *Planner) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = p.cfg.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1)), ctx)
}

// validate normalizes every proposal through the registry; all problems are
// collected so the correction round sees them at once.
func (p *Planner) validate(resp contractx.ReasonResponse) (contractx.Plan, error) {
	if len(resp.Calls) == 0 {
		return contractx.Plan{Answer: strings.TrimSpace(resp.Content)}, nil
	}

	calls := make([]contractx.ToolProposal, 0, len(resp.Calls))
	var problems []string
	for i, c := range resp.Calls {
		args, err := p.tools.Validate(c.Tool, c.Args)
		if err != nil {
			problems = append(problems, fmt.Sprintf("call %d (%s): %v", i+1, c.Tool, err))
			continue
		}
		calls = append(calls, contractx.ToolProposal{Tool: c.Tool, Args: args})
	}
	if len(problems) > 0 {
		return contractx.Plan{}, fmt.Errorf("%w: %s", contractx.ErrValidation, strings.Join(problems, "; "))
	}
	return contractx.Plan{Content: strings.TrimSpace(resp.Content), Calls: calls}, nil
}

func correctionFeedback(err error) string {
	return "Your previous tool requests were rejected: " + err.Error() +
		". Call only the listed tools with arguments that match their schema, or answer directly."
}
