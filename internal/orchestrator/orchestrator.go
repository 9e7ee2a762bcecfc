// Package orchestrator sequences the pipeline phases for each build session,
// one goroutine per session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/events"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/stage"
)

var (
	// ErrNotFound means no chain state exists for the session.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyRunning rejects starting a session this process is running.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrTerminal rejects resuming a finished session.
	ErrTerminal = errors.New("session already finished")
)

// Clarifier asks the requester discovery questions and waits for the answer.
type Clarifier interface {
	Ask(ctx context.Context, s pipeline.BuildSession, questions string) (answer string, err error)
}

// ClarifierFunc adapts a function to Clarifier.
type ClarifierFunc func(ctx context.Context, s pipeline.BuildSession, questions string) (string, error)

// Ask calls f.
func (f ClarifierFunc) Ask(ctx context.Context, s pipeline.BuildSession, q string) (string, error) {
	return f(ctx, s, q)
}

// Workspaces prepares and finalizes per-session directories.
// *workspace.Manager implements it.
type Workspaces interface {
	Prepare(ctx context.Context, sessionID string) (string, error)
	Commit(ctx context.Context, sessionID, message string) error
}

// Orchestrator drives sessions through the phases. Session goroutines run
// on an internal context that only Shutdown cancels.
type Orchestrator struct {
	engine     *stage.Engine
	store      pipeline.ChainStore
	locker     pipeline.Locker
	workspaces Workspaces
	clarifier  Clarifier
	clarifyTTL time.Duration
	notifier   events.Notifier
	catalog    i18n.Catalog
	logger     *zap.Logger
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	sess *stage.Session
	done chan struct{}
	err  error
}

func (r *run) active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker enforces a single writer per session.
func WithLocker(l pipeline.Locker) Option { return func(o *Orchestrator) { o.locker = l } }

// WithWorkspaces prepares a workspace before the first phase and commits it
// after delivery.
func WithWorkspaces(w Workspaces) Option { return func(o *Orchestrator) { o.workspaces = w } }

// WithClarifier routes discovery questions to the requester. Without one,
// or when no answer arrives within timeout, discovery continues unanswered.
func WithClarifier(c Clarifier, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.clarifier = c
		o.clarifyTTL = timeout
	}
}

// WithNotifier delivers terminal outcomes.
func WithNotifier(n events.Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithCatalog localizes outcome notifications.
func WithCatalog(c i18n.Catalog) Option { return func(o *Orchestrator) { o.catalog = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator.
func New(engine *stage.Engine, store pipeline.ChainStore, opts ...Option) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		engine:  engine,
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
		runs:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.catalog == nil {
		o.catalog = i18n.MustLoad()
	}
	return o
}

// Start runs a confirmed session. It returns once the session goroutine is
// launched.
func (o *Orchestrator) Start(ctx context.Context, s pipeline.BuildSession) error {
	cs, found, err := o.store.Load(ctx, s.ID)
	if err != nil {
		return err
	}
	if !found {
		s.Status = pipeline.StatusRunning
		cs = pipeline.NewChainState(s)
		if err := o.store.Save(ctx, cs); err != nil {
			return fmt.Errorf("save new session: %w", err)
		}
	} else if cs.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, s.ID, cs.Status)
	}
	if cs.Status != pipeline.StatusRunning {
		cs.SetStatus(pipeline.StatusRunning, o.now().UTC())
		if err := o.store.Save(ctx, cs); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}
	return o.launch(ctx, cs)
}

// Resume continues a session from the phase after its last completed one,
// keeping its loop counters.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	cs, found, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if cs.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, sessionID, cs.Status)
	}
	if cs.Status != pipeline.StatusRunning {
		cs.SetStatus(pipeline.StatusRunning, o.now().UTC())
	}
	return o.launch(ctx, cs)
}

// ResumeAll resumes every running session in the store and returns how many
// were launched. Sessions held by another writer are skipped.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	states, err := o.store.List(ctx, pipeline.StatusRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cs := range states {
		err := o.Resume(ctx, cs.SessionID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, pipeline.ErrSessionLocked), errors.Is(err, ErrAlreadyRunning):
			o.logger.Info("skipping session on resume", zap.String("session_id", cs.SessionID), zap.Error(err))
		default:
			o.logger.Warn("resume session", zap.String("session_id", cs.SessionID), zap.Error(err))
		}
	}
	return n, nil
}

func (o *Orchestrator) launch(ctx context.Context, cs *pipeline.ChainState) error {
	id := cs.SessionID
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok && r.active() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}

	unlock := func() error { return nil }
	if o.locker != nil {
		var err error
		if unlock, err = o.locker.Lock(ctx, id); err != nil {
			return err
		}
	}

	r := &run{sess: stage.NewSession(cs), done: make(chan struct{})}
	o.runs[id] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer func() {
			if err := unlock(); err != nil {
				o.logger.Warn("release session lock", zap.String("session_id", id), zap.Error(err))
			}
		}()
		r.err = o.run(o.baseCtx, r.sess)
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sess *stage.Session) error {
	log := o.logger.With(zap.String("session_id", sess.ID()))
	log.Info("session running")

	if o.workspaces != nil {
		if _, err := o.workspaces.Prepare(ctx, sess.ID()); err != nil {
			return o.finish(ctx, sess, fmt.Errorf("prepare workspace: %w", err))
		}
	}

	for {
		snap := sess.Snapshot()
		if snap.Status.Terminal() {
			return o.finish(ctx, sess, nil)
		}
		next, done := snap.NextPhase()
		if done {
			return o.finish(ctx, sess, nil)
		}

		res, err := o.engine.Step(ctx, sess, next)
		if err != nil {
			return o.finish(ctx, sess, err)
		}
		if c := res.Output.Clarification; c != nil {
			answer := o.ask(ctx, snap.Session, c.Questions)
			if ctx.Err() != nil {
				return o.finish(ctx, sess, ctx.Err())
			}
			if err := o.engine.RecordAnswer(ctx, sess, answer); err != nil {
				return o.finish(ctx, sess, err)
			}
		}
		if res.Done {
			if o.workspaces != nil {
				if err := o.workspaces.Commit(ctx, sess.ID(), "agentgate build "+sess.ID()); err != nil {
					log.Warn("commit workspace", zap.Error(err))
				}
			}
			return o.finish(ctx, sess, nil)
		}
	}
}

// ask returns the requester's answer, or "" when there is none in time.
func (o *Orchestrator) ask(ctx context.Context, s pipeline.BuildSession, questions string) string {
	if o.clarifier == nil {
		return ""
	}
	if o.clarifyTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.clarifyTTL)
		defer cancel()
	}
	answer, err := o.clarifier.Ask(ctx, s, questions)
	if err != nil {
		o.logger.Info("no clarification answer", zap.String("session_id", s.ID), zap.Error(err))
		return ""
	}
	return answer
}

// finish settles the session after the loop ends and notifies the requester
// of terminal outcomes. Interruption by Shutdown leaves the session running.
func (o *Orchestrator) finish(ctx context.Context, sess *stage.Session, err error) error {
	log := o.logger.With(zap.String("session_id", sess.ID()))
	if err != nil && ctx.Err() != nil && !errors.Is(err, pipeline.ErrCancelledByUser) {
		log.Info("session interrupted, will resume on restart", zap.Error(err))
		return err
	}
	if err != nil && !errors.Is(err, pipeline.ErrCancelledByUser) {
		if ferr := o.engine.Fail(ctx, sess, err); ferr != nil && !errors.Is(ferr, pipeline.ErrCancelledByUser) {
			log.Error("persist failed session", zap.Error(ferr))
		}
	}

	snap := sess.Snapshot()
	switch snap.Status {
	case pipeline.StatusSucceeded:
		log.Info("session succeeded")
	case pipeline.StatusCancelled:
		log.Info("session cancelled")
	default:
		log.Warn("session failed", zap.Error(err), zap.String("feedback", snap.Feedback))
	}
	o.notify(ctx, &snap)
	return err
}

func (o *Orchestrator) notify(ctx context.Context, cs *pipeline.ChainState) {
	if o.notifier == nil || !cs.Status.Terminal() {
		return
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), events.Outcome(o.catalog, cs)); err != nil {
		o.logger.Warn("notify outcome", zap.String("session_id", cs.SessionID), zap.Error(err))
	}
}

// Cancel stops a session. A call in flight finishes but its result is
// discarded; the cancelled status is persisted before Cancel returns. It
// reports false when the session was already finished.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (bool, error) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok && r.active() {
		return r.sess.Cancel(ctx, o.store, o.now().UTC())
	}

	cs, found, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess := stage.NewSession(cs)
	cancelled, err := sess.Cancel(ctx, o.store, o.now().UTC())
	if err != nil || !cancelled {
		return cancelled, err
	}
	snap := sess.Snapshot()
	o.notify(ctx, &snap)
	return true, nil
}

// Wait blocks until the session's goroutine exits and returns its error. It
// returns nil at once for sessions this process never ran.
func (o *Orchestrator) Wait(sessionID string) error {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	<-r.done
	return r.err
}

// Get returns the live state of a session run by this process, falling back
// to the store.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*pipeline.ChainState, error) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		snap := r.sess.Snapshot()
		return &snap, nil
	}
	cs, found, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return cs, nil
}

// Active returns the ids of sessions currently running in this process.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for id, r := range o.runs {
		if r.active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown interrupts every session and waits for the goroutines to exit,
// or for ctx to expire. Interrupted sessions stay running in the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
