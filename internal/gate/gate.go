// Package gate turns trigger phrases into build sessions that only start
// after the requester confirms them within a time window.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/config"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/metrics"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/prompt"
)

// Action tells the caller what the gate did with a message.
type Action string

const (
	ActionPrompted    Action = "prompted"
	ActionConflict    Action = "conflict"
	ActionStarted     Action = "started"
	ActionCancelled   Action = "cancelled"
	ActionModified    Action = "modified"
	ActionPassthrough Action = "passthrough"
)

// Message is one inbound chat message.
type Message struct {
	Requester string `json:"requester"`
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Locale    string `json:"locale,omitempty"`
}

// Reply is the gate's answer. Text is empty for ActionPassthrough. Err is
// set when the message was rejected, e.g. ErrConcurrentSession for
// ActionConflict.
type Reply struct {
	Action    Action `json:"action"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Err       error  `json:"-"`
}

// Starter hands a confirmed session to the pipeline. Start must not block
// for the length of the run.
type Starter interface {
	Start(ctx context.Context, s pipeline.BuildSession) error
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, s pipeline.BuildSession) error

// Start calls f.
func (f StarterFunc) Start(ctx context.Context, s pipeline.BuildSession) error { return f(ctx, s) }

// Gate implements the confirmation flow. Messages from one gate are handled
// one at a time.
type Gate struct {
	triggers []string
	confirm  map[string]bool
	cancel   map[string]bool
	ttl      time.Duration
	locale   string

	pending PendingStore
	store   pipeline.ChainStore
	starter Starter
	catalog i18n.Catalog

	audit   *audit.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	mu sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithAudit sets the audit sink.
func WithAudit(s *audit.Sink) Option { return func(g *Gate) { g.audit = s } }

// WithMetrics counts session status transitions.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithIDs overrides session id generation.
func WithIDs(fn func() string) Option { return func(g *Gate) { g.newID = fn } }

// WithLocale sets the locale used when a message carries none.
func WithLocale(locale string) Option { return func(g *Gate) { g.locale = locale } }

// New creates a Gate from the gate config section.
func New(cfg config.GateConfig, pending PendingStore, store pipeline.ChainStore, starter Starter, catalog i18n.Catalog, opts ...Option) *Gate {
	g := &Gate{
		ttl:     cfg.ConfirmTTL.Duration(),
		locale:  "en",
		pending: pending,
		store:   store,
		starter: starter,
		catalog: catalog,
		confirm: wordSet(cfg.ConfirmWords),
		cancel:  wordSet(cfg.CancelWords),
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, t := range cfg.Triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			g.triggers = append(g.triggers, t)
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func wordSet(words []string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[Normalize(w)] = true
	}
	return set
}

// Normalize lowercases s and strips surrounding space and punctuation so
// "Yes!" matches "yes".
func Normalize(s string) string {
	return strings.TrimFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// IsTrigger reports whether text contains a trigger phrase.
func (g *Gate) IsTrigger(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range g.triggers {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Handle routes one message through the gate.
func (g *Gate) Handle(ctx context.Context, msg Message) (Reply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	p, err := g.pending.Get(ctx, msg.Requester, now)
	switch {
	case err == nil:
		return g.handlePending(ctx, msg, p, now)
	case errors.Is(err, ErrConfirmationExpired):
		g.logger.Debug("pending confirmation expired", zap.String("requester", msg.Requester))
		g.audit.Append(ctx, audit.Entry{Outcome: "confirmation_expired", Detail: msg.Requester, Timestamp: now})
	case errors.Is(err, ErrNoPending):
	default:
		return Reply{}, fmt.Errorf("load pending confirmation: %w", err)
	}

	if !g.IsTrigger(msg.Text) {
		return Reply{Action: ActionPassthrough}, nil
	}
	return g.prompt(ctx, msg, now)
}

func (g *Gate) prompt(ctx context.Context, msg Message, now time.Time) (Reply, error) {
	s := pipeline.BuildSession{
		ID:        g.newID(),
		Requester: msg.Requester,
		Channel:   msg.Channel,
		Request:   strings.TrimSpace(msg.Text),
		Locale:    g.localeFor(msg),
		Status:    pipeline.StatusPendingConfirmation,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p := Pending{Requester: msg.Requester, Session: s, CreatedAt: now, ExpiresAt: now.Add(g.ttl)}
	if err := g.pending.Put(ctx, p); err != nil {
		return Reply{}, fmt.Errorf("store pending confirmation: %w", err)
	}
	g.count(pipeline.StatusPendingConfirmation)
	g.audit.Append(ctx, audit.Entry{SessionID: s.ID, Outcome: "confirmation_requested", Timestamp: now})
	g.logger.Info("build confirmation requested",
		zap.String("session_id", s.ID), zap.String("requester", msg.Requester), zap.Duration("ttl", g.ttl))

	text := i18n.Format(g.catalog, "gate.confirm_prompt", s.Locale, prompt.Vars{
		"request": s.Request,
		"ttl":     formatTTL(g.ttl),
	})
	return Reply{Action: ActionPrompted, Text: text, SessionID: s.ID}, nil
}

func (g *Gate) handlePending(ctx context.Context, msg Message, p *Pending, now time.Time) (Reply, error) {
	s := p.Session
	word := Normalize(msg.Text)

	switch {
	case g.confirm[word]:
		return g.start(ctx, s, now)

	case g.cancel[word]:
		s.Status = pipeline.StatusCancelled
		s.UpdatedAt = now
		if err := g.store.Save(ctx, pipeline.NewChainState(s)); err != nil {
			return Reply{}, fmt.Errorf("save cancelled session: %w", err)
		}
		if err := g.pending.Delete(ctx, s.Requester); err != nil {
			return Reply{}, fmt.Errorf("delete pending confirmation: %w", err)
		}
		g.count(pipeline.StatusCancelled)
		g.audit.Append(ctx, audit.Entry{SessionID: s.ID, Outcome: "cancelled", Timestamp: now})
		g.logger.Info("build cancelled before start", zap.String("session_id", s.ID))
		return Reply{
			Action:    ActionCancelled,
			Text:      i18n.Format(g.catalog, "gate.cancelled", s.Locale, nil),
			SessionID: s.ID,
		}, nil

	case g.IsTrigger(msg.Text):
		g.logger.Debug("trigger rejected while pending",
			zap.String("session_id", s.ID), zap.Error(ErrConcurrentSession))
		return Reply{
			Action:    ActionConflict,
			Text:      i18n.Format(g.catalog, "gate.already_pending", s.Locale, nil),
			SessionID: s.ID,
			Err:       ErrConcurrentSession,
		}, nil
	}

	s.Request = strings.TrimSpace(s.Request + "\n" + strings.TrimSpace(msg.Text))
	s.UpdatedAt = now
	p.Session = s
	p.ExpiresAt = now.Add(g.ttl)
	if err := g.pending.Put(ctx, *p); err != nil {
		return Reply{}, fmt.Errorf("store modified request: %w", err)
	}
	g.audit.Append(ctx, audit.Entry{SessionID: s.ID, Outcome: "modified", Detail: msg.Text, Timestamp: now})
	return Reply{
		Action:    ActionModified,
		Text:      i18n.Format(g.catalog, "gate.modified", s.Locale, prompt.Vars{"request": s.Request}),
		SessionID: s.ID,
	}, nil
}

func (g *Gate) start(ctx context.Context, s pipeline.BuildSession, now time.Time) (Reply, error) {
	s.Status = pipeline.StatusRunning
	s.UpdatedAt = now
	if err := g.store.Save(ctx, pipeline.NewChainState(s)); err != nil {
		return Reply{}, fmt.Errorf("save confirmed session: %w", err)
	}
	if err := g.pending.Delete(ctx, s.Requester); err != nil {
		return Reply{}, fmt.Errorf("delete pending confirmation: %w", err)
	}
	g.count(pipeline.StatusRunning)
	g.audit.Append(ctx, audit.Entry{SessionID: s.ID, Outcome: "confirmed", Timestamp: now})

	if err := g.starter.Start(ctx, s); err != nil {
		cs := pipeline.NewChainState(s)
		cs.SetStatus(pipeline.StatusFailed, now)
		cs.Session.Error = err.Error()
		if serr := g.store.Save(ctx, cs); serr != nil {
			g.logger.Warn("save failed session", zap.String("session_id", s.ID), zap.Error(serr))
		}
		g.count(pipeline.StatusFailed)
		return Reply{}, fmt.Errorf("start session %s: %w", s.ID, err)
	}
	g.logger.Info("build confirmed", zap.String("session_id", s.ID), zap.String("requester", s.Requester))
	return Reply{
		Action:    ActionStarted,
		Text:      i18n.Format(g.catalog, "gate.started", s.Locale, prompt.Vars{"session_id": s.ID}),
		SessionID: s.ID,
	}, nil
}

func (g *Gate) localeFor(msg Message) string {
	if msg.Locale != "" {
		return msg.Locale
	}
	return g.locale
}

func (g *Gate) count(st pipeline.Status) {
	if g.metrics != nil {
		g.metrics.Sessions.WithLabelValues(string(st)).Inc()
	}
}

// formatTTL renders 15m0s as 15m.
func formatTTL(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
