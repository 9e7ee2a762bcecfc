// Package executor runs one phase attempt against the agent execution
// service: it leases the agent definition, retries transport and parse
// failures within a fixed budget, and always releases the lease.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/agentgate/internal/agents"
	"github.com/lucasnoah/agentgate/internal/metrics"
	"github.com/lucasnoah/agentgate/internal/parser"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Request is one call to the agent execution service.
type Request struct {
	SessionID string
	Agent     string
	Prompt    string
	ModelTier string
	MaxTurns  int
	Dir       string // session workspace the agent may edit
}

// Response is what the service returned. TransportSuccess is false when the
// call completed but did not produce a usable answer (timeout, max turns).
type Response struct {
	RawText          string
	TurnsUsed        int
	TransportSuccess bool
}

// Service is the agent execution backend.
type Service interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// Acquirer leases agent definitions.
type Acquirer interface {
	Acquire(ctx context.Context, identity string) (*agents.Handle, error)
}

// ErrTransport marks a response whose TransportSuccess was false.
var ErrTransport = errors.New("agent transport failed")

// PhaseExecutionError is returned once the attempt budget is spent on
// transport failures.
type PhaseExecutionError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed after %d attempt(s): %v", e.Agent, e.Attempts, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Err }

// Call describes one phase run. When Parse is set, a parse failure consumes
// an attempt exactly like a transport failure.
type Call struct {
	Phase pipeline.Phase
	Request
	Parse parser.Parser
}

// Result is the outcome of a successful Run. On error, Raw and Attempts
// still describe the last attempt.
type Result struct {
	Raw       string
	Output    pipeline.Result
	Attempts  int
	TurnsUsed int
}

// Defaults for the retry budget.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second

	// maxElapsed only has to outlast the attempt budget; agent calls can
	// run for many minutes each.
	maxElapsed = 24 * time.Hour
)

// Executor runs phase calls.
type Executor struct {
	agents   Acquirer
	service  Service
	attempts int
	backoff  time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithAttempts sets the total attempt budget per call.
func WithAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.attempts = n
		}
	}
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.backoff = d
		}
	}
}

// WithLimiter throttles calls to the service across all sessions.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records attempt results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor.
func New(acq Acquirer, svc Service, opts ...Option) *Executor {
	e := &Executor{
		agents:   acq,
		service:  svc,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/lucasnoah/agentgate/internal/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run leases the call's agent, invokes the service until it gets a parsable
// answer or the budget runs out, and releases the lease on every path.
//
// Errors: *agents.ResourceAcquisitionError (no attempt made),
// *PhaseExecutionError, *parser.ParseError, or the context's error.
func (e *Executor) Run(ctx context.Context, call Call) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("session.id", call.SessionID),
		attribute.String("phase", string(call.Phase)),
		attribute.String("agent", call.Agent),
	))
	defer span.End()

	log := e.logger.With(
		zap.String("session_id", call.SessionID),
		zap.String("phase", string(call.Phase)),
		zap.String("agent", call.Agent),
	)

	h, err := e.agents.Acquire(ctx, call.Agent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire")
		return Result{}, err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil {
			log.Warn("release agent definition", zap.Error(rerr))
		}
	}()

	var last Result
	op := func() (Result, error) {
		last = Result{Attempts: last.Attempts + 1}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return last, backoff.Permanent(err)
			}
		}

		resp, err := e.service.Execute(ctx, call.Request)
		if err == nil && !resp.TransportSuccess {
			err = ErrTransport
		}
		last.Raw = resp.RawText
		last.TurnsUsed = resp.TurnsUsed
		if err != nil {
			e.observe("transport_error")
			return last, &PhaseExecutionError{Agent: call.Agent, Attempts: last.Attempts, Err: err}
		}

		if call.Parse != nil {
			out, perr := call.Parse.Parse(resp.RawText)
			if perr != nil {
				e.observe("parse_error")
				return last, perr
			}
			last.Output = out
		}
		e.observe("ok")
		return last, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.backoff)),
		backoff.WithMaxTries(uint(e.attempts)),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("agent attempt failed, retrying", zap.Int("attempt", last.Attempts), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	span.SetAttributes(attribute.Int("attempts", last.Attempts))
	if err == nil {
		return res, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "exhausted")

	var perr *parser.ParseError
	var xerr *PhaseExecutionError
	switch {
	case errors.As(err, &perr):
		return last, perr
	case errors.As(err, &xerr):
		xerr.Attempts = last.Attempts
		return last, xerr
	case ctx.Err() != nil:
		return last, ctx.Err()
	}
	return last, &PhaseExecutionError{Agent: call.Agent, Attempts: last.Attempts, Err: err}
}

func (e *Executor) observe(result string) {
	if e.metrics != nil {
		e.metrics.ExecutorAttempts.WithLabelValues(result).Inc()
	}
}
