// Package stage runs single pipeline phases and applies the verification and
// review loop rules to their results.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/config"
	"github.com/lucasnoah/agentgate/internal/executor"
	"github.com/lucasnoah/agentgate/internal/metrics"
	"github.com/lucasnoah/agentgate/internal/parser"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/prompt"
)

// Runner executes one phase call. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, call executor.Call) (executor.Result, error)
}

// Engine executes one phase at a time: render prompt, run the agent, parse,
// then commit the record, artifacts and counters to the session.
type Engine struct {
	runner    Runner
	store     pipeline.ChainStore
	agents    func(pipeline.Phase) config.PhaseAgent
	templates string
	workspace func(sessionID string) string
	ctrl      Controller

	audit   *audit.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithAudit sets the audit sink.
func WithAudit(s *audit.Sink) Option { return func(e *Engine) { e.audit = s } }

// WithMetrics records phase outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithWorkspace sets how a session's workspace directory is found.
func WithWorkspace(fn func(sessionID string) string) Option {
	return func(e *Engine) { e.workspace = fn }
}

// NewEngine creates an Engine using the pipeline and agents sections of cfg.
func NewEngine(runner Runner, store pipeline.ChainStore, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		runner:    runner,
		store:     store,
		agents:    cfg.PhaseAgent,
		templates: cfg.Pipeline.TemplatesDir,
		workspace: func(string) string { return "" },
		ctrl: Controller{Limits: Limits{
			MaxQAIterations:     cfg.Pipeline.MaxQAIterations,
			MaxReviewIterations: cfg.Pipeline.MaxReviewIterations,
			MaxDiscoveryRounds:  cfg.Pipeline.MaxDiscoveryRounds,
		}},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Controller returns the loop controller the engine applies.
func (e *Engine) Controller() Controller {
	return e.ctrl
}

// StepResult describes a committed phase run.
type StepResult struct {
	Record pipeline.PhaseRecord
	Output pipeline.Result
	Next   pipeline.Phase
	Done   bool
}

// Step runs phase for sess and commits the outcome.
//
// Errors: pipeline.ErrCancelledByUser when the session was cancelled (the
// result is discarded), *RetryBudgetExhausted, the executor's terminal
// errors, or the context's error. Every error but the last two leaves the
// session persisted as cancelled or failed; a context error leaves it
// running so it can be resumed.
func (e *Engine) Step(ctx context.Context, sess *Session, phase pipeline.Phase) (StepResult, error) {
	snap := sess.Snapshot()
	log := e.logger.With(zap.String("session_id", snap.SessionID), zap.String("phase", string(phase)))

	if sess.Cancelled() {
		return StepResult{}, pipeline.ErrCancelledByUser
	}
	if !pipeline.CanFollow(snap.Phase, phase) {
		return StepResult{}, fmt.Errorf("phase %s cannot follow %q", phase, snap.Phase)
	}

	pa := e.agents(phase)
	final := phase == pipeline.PhaseDiscovery && e.ctrl.FinalDiscoveryRound(&snap)
	var p parser.Parser
	if phase == pipeline.PhaseDiscovery {
		p = parser.Discovery(final)
	} else {
		var err error
		if p, err = parser.For(phase); err != nil {
			return StepResult{}, err
		}
	}

	started := e.now().UTC()
	var res executor.Result
	rendered, runErr := e.render(&snap, phase, pa, final)
	if runErr == nil {
		log.Info("phase started", zap.String("agent", pa.Agent), zap.Int("attempt", snap.Attempts(phase)+1))
		res, runErr = e.runner.Run(ctx, executor.Call{
			Phase: phase,
			Request: executor.Request{
				SessionID: snap.SessionID,
				Agent:     pa.Agent,
				Prompt:    rendered,
				ModelTier: pa.Model,
				MaxTurns:  pa.MaxTurns,
				Dir:       e.workspace(snap.SessionID),
			},
			Parse: p,
		})
	}
	ended := e.now().UTC()
	if runErr != nil && ctx.Err() != nil {
		log.Info("phase interrupted", zap.Error(runErr))
		return StepResult{}, ctx.Err()
	}

	var out StepResult
	var loopErr error
	var committed pipeline.ChainState
	err := sess.commit(func(cs *pipeline.ChainState) error {
		rec := pipeline.PhaseRecord{
			SessionID: cs.SessionID,
			Phase:     phase,
			Attempt:   cs.Attempts(phase) + 1,
			Tries:     res.Attempts,
			Agent:     pa.Agent,
			RawOutput: res.Raw,
			StartedAt: started,
			EndedAt:   ended,
		}

		if runErr != nil {
			rec.Outcome = pipeline.OutcomeError
			rec.Error = runErr.Error()
			cs.History = append(cs.History, rec)
			cs.Session.Phase = phase
			cs.Session.Error = runErr.Error()
			cs.SetStatus(pipeline.StatusFailed, ended)
		} else {
			output := res.Output
			rec.Result = &output
			rec.Outcome = pipeline.OutcomeSuccess
			if output.Failing() {
				rec.Outcome = pipeline.OutcomeFailure
			}
			cs.History = append(cs.History, rec)
			cs.Artifacts.Apply(phase, output)
			cs.Phase = phase

			loopErr = e.ctrl.Advance(cs, phase, output)
			next, done := cs.NextPhase()
			switch {
			case loopErr != nil:
				cs.Session.Phase = phase
				cs.Session.Error = loopErr.Error()
				cs.LoopState = ""
				cs.SetStatus(pipeline.StatusFailed, ended)
			case done:
				cs.Session.Phase = phase
				cs.LoopState = ""
				cs.SetStatus(pipeline.StatusSucceeded, ended)
			default:
				cs.Session.Phase = next
				cs.Session.UpdatedAt = ended
				cs.LoopState = pipeline.LoopStateFor(next)
			}
			out = StepResult{Record: rec, Output: output, Next: next, Done: done && loopErr == nil}
		}
		if out.Record.Phase == "" {
			out.Record = rec
		}
		if err := e.store.Save(ctx, cs); err != nil {
			return fmt.Errorf("save chain state: %w", err)
		}
		committed = *cs
		return nil
	})
	if err == nil {
		e.observe(&committed, out.Record, ended.Sub(started))
	}

	switch {
	case errors.Is(err, pipeline.ErrCancelledByUser):
		log.Info("session cancelled, discarding phase result", zap.Int("tries", res.Attempts))
		e.audit.Append(ctx, audit.Entry{SessionID: snap.SessionID, Phase: phase, Outcome: "discarded", Timestamp: ended})
		return StepResult{}, err
	case err != nil:
		return out, err
	case runErr != nil:
		log.Warn("phase failed", zap.Error(runErr))
		return out, runErr
	case loopErr != nil:
		log.Warn("retry budget exhausted", zap.Error(loopErr))
		return out, loopErr
	}
	log.Info("phase completed", zap.String("outcome", string(out.Record.Outcome)), zap.String("next", string(out.Next)))
	return out, nil
}

// observe emits metrics and audit entries for a committed record.
func (e *Engine) observe(cs *pipeline.ChainState, rec pipeline.PhaseRecord, took time.Duration) {
	if e.metrics != nil {
		e.metrics.PhaseRuns.WithLabelValues(string(rec.Phase), string(rec.Outcome)).Inc()
		e.metrics.PhaseDuration.WithLabelValues(string(rec.Phase)).Observe(took.Seconds())
		if cs.Status.Terminal() {
			e.metrics.Sessions.WithLabelValues(string(cs.Status)).Inc()
		}
	}
	detail := rec.Error
	if detail == "" && rec.Outcome == pipeline.OutcomeFailure {
		detail = cs.Feedback
	}
	ctx := context.Background()
	e.audit.Append(ctx, audit.Entry{SessionID: cs.SessionID, Phase: rec.Phase, Outcome: string(rec.Outcome), Detail: detail, Timestamp: rec.EndedAt})
	if cs.Status.Terminal() {
		e.audit.Append(ctx, audit.Entry{SessionID: cs.SessionID, Outcome: string(cs.Status), Detail: cs.Session.Error, Timestamp: rec.EndedAt})
	}
}

// RecordAnswer stores the requester's answer to the latest clarification.
func (e *Engine) RecordAnswer(ctx context.Context, sess *Session, answer string) error {
	return sess.commit(func(cs *pipeline.ChainState) error {
		n := len(cs.Clarifications)
		if n == 0 {
			return errors.New("no clarification to answer")
		}
		cs.Clarifications[n-1].Answer = answer
		if err := e.store.Save(ctx, cs); err != nil {
			return fmt.Errorf("save chain state: %w", err)
		}
		return nil
	})
}

// Fail marks the session failed with err unless it is already terminal.
func (e *Engine) Fail(ctx context.Context, sess *Session, err error) error {
	var changed bool
	cerr := sess.commit(func(cs *pipeline.ChainState) error {
		if cs.Status.Terminal() {
			return nil
		}
		cs.Session.Error = err.Error()
		cs.SetStatus(pipeline.StatusFailed, e.now().UTC())
		if serr := e.store.Save(ctx, cs); serr != nil {
			return fmt.Errorf("save chain state: %w", serr)
		}
		changed = true
		return nil
	})
	if changed {
		if e.metrics != nil {
			e.metrics.Sessions.WithLabelValues(string(pipeline.StatusFailed)).Inc()
		}
		e.audit.Append(ctx, audit.Entry{SessionID: sess.ID(), Outcome: string(pipeline.StatusFailed), Detail: err.Error()})
	}
	return cerr
}

func (e *Engine) render(cs *pipeline.ChainState, phase pipeline.Phase, pa config.PhaseAgent, final bool) (string, error) {
	tmpl, err := prompt.LoadTemplate(string(phase), e.templates)
	if err != nil {
		return "", err
	}
	vars := prompt.Vars{
		"agent":          pa.Agent,
		"workspace":      e.workspace(cs.SessionID),
		"session_id":     cs.SessionID,
		"attempt":        fmt.Sprint(cs.Attempts(phase) + 1),
		"request":        cs.Session.Request,
		"clarifications": formatClarifications(cs.Clarifications),
	}
	if final {
		vars["final_round"] = "true"
	}
	a := cs.Artifacts
	if a.Brief != nil {
		vars["brief"] = a.Brief.Text
	}
	if a.Design != nil {
		vars["design"] = a.Design.Text
	}
	if a.Tests != nil {
		vars["tests"] = a.Tests.Text
	}
	if a.Implementation != nil {
		vars["implementation"] = a.Implementation.Text
	}
	if phase == pipeline.PhaseDeveloper {
		vars["feedback"] = cs.Feedback
	}
	return prompt.Render(tmpl, vars)
}

func formatClarifications(rounds []pipeline.ClarificationRound) string {
	var b strings.Builder
	for i, r := range rounds {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Q: %s\nA: ", r.Questions)
		if r.Answer == "" {
			b.WriteString("(no answer; state your assumptions)")
		} else {
			b.WriteString(r.Answer)
		}
	}
	return b.String()
}
