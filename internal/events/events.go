// Package events delivers terminal build outcomes to requesters and
// publishes session lifecycle events.
package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/pipeline"
	"github.com/lucasnoah/agentgate/internal/prompt"
)

// Notification is the message sent to a requester when a session ends or
// needs their input.
type Notification struct {
	SessionID string          `json:"session_id"`
	Requester string          `json:"requester"`
	Channel   string          `json:"channel"`
	Locale    string          `json:"locale,omitempty"`
	Status    pipeline.Status `json:"status"`
	Phase     pipeline.Phase  `json:"phase,omitempty"`
	Text      string          `json:"text"`
	Feedback  string          `json:"feedback,omitempty"`
	Location  string          `json:"location,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi delivers to every notifier and joins their errors.
func Multi(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) error {
		var errs []error
		for _, x := range ns {
			if x == nil {
				continue
			}
			if err := x.Notify(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs n at info level.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Info("notification",
		zap.String("session_id", n.SessionID),
		zap.String("requester", n.Requester),
		zap.String("channel", n.Channel),
		zap.String("status", string(n.Status)),
		zap.String("text", n.Text))
	return nil
}

// Outcome builds the localized terminal notification for a finished chain.
func Outcome(c i18n.Catalog, cs *pipeline.ChainState) Notification {
	s := cs.Session
	n := Notification{
		SessionID: cs.SessionID,
		Requester: s.Requester,
		Channel:   s.Channel,
		Locale:    s.Locale,
		Status:    cs.Status,
		Phase:     s.Phase,
	}
	switch cs.Status {
	case pipeline.StatusSucceeded:
		vars := prompt.Vars{}
		if sum := cs.Artifacts.Summary; sum != nil {
			vars["summary"] = sum.Text
			vars["location"] = sum.Location
			n.Location = sum.Location
		}
		n.Text = i18n.Format(c, "pipeline.succeeded", s.Locale, vars)
	case pipeline.StatusCancelled:
		n.Text = i18n.Format(c, "pipeline.cancelled", s.Locale, prompt.Vars{"session_id": cs.SessionID})
	default:
		n.Feedback = cs.Feedback
		if n.Feedback == "" {
			n.Feedback = s.Error
		}
		n.Text = i18n.Format(c, "pipeline.failed", s.Locale, prompt.Vars{
			"phase":    string(s.Phase),
			"feedback": n.Feedback,
		})
	}
	return n
}

// Clarify builds the notification asking the requester discovery questions.
func Clarify(c i18n.Catalog, s pipeline.BuildSession, questions string) Notification {
	return Notification{
		SessionID: s.ID,
		Requester: s.Requester,
		Channel:   s.Channel,
		Locale:    s.Locale,
		Status:    s.Status,
		Phase:     pipeline.PhaseDiscovery,
		Text:      i18n.Format(c, "pipeline.clarify", s.Locale, prompt.Vars{"questions": questions}),
	}
}
