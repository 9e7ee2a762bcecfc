// Package gateway routes inbound chat messages: answers to pending discovery
// questions first, then the confirmation gate, then the fallback reply.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/events"
	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Actions added on top of the gate's.
const (
	ActionAnswered gate.Action = "answered"
	ActionFallback gate.Action = "fallback"
)

// Handler handles one message.
type Handler interface {
	Handle(ctx context.Context, msg gate.Message) (gate.Reply, error)
}

// Router is the single entry point for inbound messages. It also implements
// orchestrator.Clarifier.
type Router struct {
	gate     Handler
	catalog  i18n.Catalog
	notifier events.Notifier
	locale   string
	logger   *zap.Logger

	canceller   Canceller
	cancelWords map[string]bool

	mu sync.Mutex
	// waiters holds each requester's open questions, oldest first.
	waiters map[string][]*waiter
}

// Canceller stops a running session.
type Canceller interface {
	Cancel(ctx context.Context, sessionID string) (bool, error)
}

// Option configures a Router.
type Option func(*Router)

// WithCancel lets a cancel word sent while a question is open cancel the
// session that asked it instead of answering.
func WithCancel(c Canceller, words []string) Option {
	return func(r *Router) {
		r.canceller = c
		for _, w := range words {
			r.cancelWords[gate.Normalize(w)] = true
		}
	}
}

type waiter struct {
	sessionID string
	answer    chan string
	cancelled chan struct{}
}

// New creates a Router. Clarification questions are sent with notifier.
func New(g Handler, catalog i18n.Catalog, notifier events.Notifier, locale string, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locale == "" {
		locale = "en"
	}
	r := &Router{
		gate:        g,
		catalog:     catalog,
		notifier:    notifier,
		locale:      locale,
		logger:      logger,
		cancelWords: make(map[string]bool),
		waiters:     make(map[string][]*waiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle routes msg.
func (r *Router) Handle(ctx context.Context, msg gate.Message) (gate.Reply, error) {
	if r.cancelWords[gate.Normalize(msg.Text)] {
		if r.canceller != nil {
			if w := r.takeWaiter(msg.Requester); w != nil {
				return r.cancel(ctx, msg, w)
			}
		}
		// A cancel word is never taken as an answer.
		return r.handleGate(ctx, msg)
	}

	if w := r.takeWaiter(msg.Requester); w != nil {
		w.answer <- msg.Text
		r.logger.Info("clarification answered", zap.String("session_id", w.sessionID), zap.String("requester", msg.Requester))
		return gate.Reply{Action: ActionAnswered, SessionID: w.sessionID}, nil
	}
	return r.handleGate(ctx, msg)
}

func (r *Router) handleGate(ctx context.Context, msg gate.Message) (gate.Reply, error) {
	reply, err := r.gate.Handle(ctx, msg)
	if err != nil {
		return gate.Reply{}, err
	}
	if reply.Action != gate.ActionPassthrough {
		return reply, nil
	}
	return gate.Reply{Action: ActionFallback, Text: i18n.Format(r.catalog, "chat.fallback", r.localeFor(msg), nil)}, nil
}

func (r *Router) cancel(ctx context.Context, msg gate.Message, w *waiter) (gate.Reply, error) {
	close(w.cancelled)
	if _, err := r.canceller.Cancel(ctx, w.sessionID); err != nil {
		return gate.Reply{}, fmt.Errorf("cancel session %s: %w", w.sessionID, err)
	}
	r.logger.Info("session cancelled while asking", zap.String("session_id", w.sessionID), zap.String("requester", msg.Requester))
	return gate.Reply{
		Action:    gate.ActionCancelled,
		Text:      i18n.Format(r.catalog, "gate.cancelled", r.localeFor(msg), nil),
		SessionID: w.sessionID,
	}, nil
}

func (r *Router) localeFor(msg gate.Message) string {
	if msg.Locale != "" {
		return msg.Locale
	}
	return r.locale
}

// takeWaiter pops the requester's oldest open question.
func (r *Router) takeWaiter(requester string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.waiters[requester]
	if len(q) == 0 {
		return nil
	}
	w := q[0]
	if len(q) == 1 {
		delete(r.waiters, requester)
	} else {
		r.waiters[requester] = q[1:]
	}
	return w
}

// Waiting reports whether requester owes an answer.
func (r *Router) Waiting(requester string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters[requester]) > 0
}

// Ask sends the questions to the requester and waits for their next message.
// Questions from several sessions of one requester are answered in the order
// they were asked.
func (r *Router) Ask(ctx context.Context, s pipeline.BuildSession, questions string) (string, error) {
	w := &waiter{sessionID: s.ID, answer: make(chan string, 1), cancelled: make(chan struct{})}
	r.mu.Lock()
	r.waiters[s.Requester] = append(r.waiters[s.Requester], w)
	r.mu.Unlock()

	if r.notifier != nil {
		if err := r.notifier.Notify(ctx, events.Clarify(r.catalog, s, questions)); err != nil {
			r.drop(s.Requester, w)
			return "", fmt.Errorf("send clarification: %w", err)
		}
	}

	select {
	case a := <-w.answer:
		return a, nil
	case <-w.cancelled:
		return "", pipeline.ErrCancelledByUser
	case <-ctx.Done():
		r.drop(s.Requester, w)
		return "", ctx.Err()
	}
}

// drop removes w if it is still queued.
func (r *Router) drop(requester string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.waiters[requester]
	for i, x := range q {
		if x != w {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(r.waiters, requester)
		} else {
			r.waiters[requester] = q
		}
		return
	}
}

// Inbound adapts the router to an events.InboundHandler.
func (r *Router) Inbound(ctx context.Context, in events.Inbound) (string, error) {
	reply, err := r.Handle(ctx, gate.Message{Requester: in.Requester, Channel: in.Channel, Text: in.Text, Locale: in.Locale})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
