package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	toolx "github.com/tanpawarit/agentloop/agent/tool"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
)

var errAttemptTimeout = errors.New("attempt timed out")

type Config struct {
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BaseDelay      time.Duration `envconfig:"BASE_DELAY" split_words:"true" default:"500ms"`
	MaxDelay       time.Duration `envconfig:"MAX_DELAY" split_words:"true" default:"8s"`
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT" split_words:"true" default:"30s"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = toolx.DefaultTimeout
	}
	return c
}

// Dispatcher runs tool calls against the registry with per-attempt timeouts
// and retries for idempotent tools.
type Dispatcher struct {
	registry *toolx.Registry
	cfg      Config
	metrics  *metricsx.Metrics
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithMetrics(m *metricsx.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func New(registry *toolx.Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// DispatchAll runs calls concurrently and returns results[i] for calls[i]
// once every call has resolved.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []contractx.ToolCall) []contractx.ToolResult {
	results := make([]contractx.ToolResult, len(calls))
	var wg conc.WaitGroup
	for i := range calls {
		i := i
		wg.Go(func() {
			results[i] = d.Dispatch(ctx, calls[i])
		})
	}
	wg.Wait()
	return results
}

// Dispatch always returns exactly one ToolResult; failures are reported in
// the result rather than as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, call contractx.ToolCall) contractx.ToolResult {
	start := d.now()
	res := contractx.ToolResult{CallID: call.ID, Tool: call.Tool}
	logger := log.With().Str("tool", call.Tool).Str("call_id", call.ID).Logger()

	desc, adapter, ok := d.registry.Lookup(call.Tool)
	if !ok {
		return d.reject(res, start, fmt.Errorf("%w: %q", contractx.ErrUnknownTool, call.Tool))
	}
	args, err := d.registry.Validate(call.Tool, call.Args)
	if err != nil {
		return d.reject(res, start, err)
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	maxAttempts := d.attemptsFor(desc)

	var (
		output   any
		timedOut bool
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res.Attempts++
		out, err := d.attempt(ctx, adapter, args, timeout)
		switch {
		case err == nil:
			d.metrics.ToolAttempt(call.Tool, "success")
			output = out
			return nil
		case ctx.Err() != nil:
			d.metrics.ToolAttempt(call.Tool, "cancelled")
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, errAttemptTimeout):
			d.metrics.ToolAttempt(call.Tool, "timeout")
			timedOut = true
		case errors.Is(err, contractx.ErrValidation):
			d.metrics.ToolAttempt(call.Tool, "rejected")
			timedOut = false
			return backoff.Permanent(err)
		default:
			d.metrics.ToolAttempt(call.Tool, "error")
			timedOut = false
		}
		logger.Debug().Err(err).Int("attempt", res.Attempts).Int("max_attempts", maxAttempts).Msg("tool attempt failed")
		return err
	}

	err = backoff.Retry(op, d.newBackOff(ctx, maxAttempts))
	res.Latency = d.now().Sub(start)
	d.metrics.ToolCall(call.Tool, res.Latency)

	if err == nil {
		payload, merr := sonic.ConfigStd.Marshal(output)
		if merr != nil {
			res.Status = contractx.ToolCallFailed
			res.ErrorKind = contractx.ToolErrExhausted
			res.Error = fmt.Sprintf("encode tool output: %v", merr)
			return res
		}
		res.Status = contractx.ToolCallSucceeded
		res.Output = payload
		return res
	}

	res.Error = err.Error()
	res.Status = contractx.ToolCallFailed
	switch {
	case ctx.Err() != nil:
		res.ErrorKind = contractx.ToolErrCancelled
	case errors.Is(err, contractx.ErrValidation):
		res.ErrorKind = contractx.ToolErrValidation
	case !desc.Idempotent:
		res.ErrorKind = contractx.ToolErrNonIdempotent
	default:
		res.ErrorKind = contractx.ToolErrExhausted
	}
	if timedOut && res.ErrorKind != contractx.ToolErrCancelled {
		res.Status = contractx.ToolCallTimedOut
	}

	logger.Warn().
		Err(res.Err()).
		Str("error_kind", string(res.ErrorKind)).
		Int("attempts", res.Attempts).
		Dur("latency", res.Latency).
		Msg("tool call failed")
	return res
}

func (d *Dispatcher) reject(res contractx.ToolResult, start time.Time, err error) contractx.ToolResult {
	d.metrics.ToolAttempt(res.Tool, "rejected")
	res.Status = contractx.ToolCallFailed
	res.ErrorKind = contractx.ToolErrValidation
	res.Error = err.Error()
	res.Latency = d.now().Sub(start)
	log.Warn().Str("tool", res.Tool).Str("call_id", res.CallID).Err(res.Err()).Msg("tool call rejected before dispatch")
	return res
}

func (d *Dispatcher) attemptsFor(desc toolx.Descriptor) int {
	if !desc.Idempotent {
		return 1
	}
	if desc.MaxAttempts > 0 {
		return desc.MaxAttempts
	}
	return d.cfg.MaxAttempts
}

// newBackOff yields base, 2*base, 4*base ... capped at MaxDelay, and stops
// after maxAttempts-1 retries.
func (d *Dispatcher) newBackOff(ctx context.Context, maxAttempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = d.cfg.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)
}

type attemptResult struct {
	out any
	err error
}

// attempt runs one adapter invocation. The adapter goroutine writes to a
// buffered channel, so an abandoned attempt exits without a reader.
func (d *Dispatcher) attempt(
	ctx context.Context,
	adapter toolx.Adapter,
	args map[string]any,
	timeout time.Duration,
) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		var r attemptResult
		var pc panics.Catcher
		pc.Try(func() {
			r.out, r.err = adapter.Invoke(attemptCtx, cloneArgs(args))
		})
		if rec := pc.Recovered(); rec != nil {
			r.err = fmt.Errorf("adapter panic: %w", rec.AsError())
		}
		done <- r
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, errAttemptTimeout
		}
		return r.out, r.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", errAttemptTimeout, timeout)
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
