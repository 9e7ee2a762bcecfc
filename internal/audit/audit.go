// Package audit fans pipeline events out to best-effort writers. A failing
// writer is logged and otherwise ignored.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Entry is one audited event.
type Entry struct {
	SessionID string         `json:"session_id"`
	Phase     pipeline.Phase `json:"phase,omitempty"`
	Outcome   string         `json:"outcome"`
	Detail    string         `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Writer persists entries.
type Writer interface {
	WriteAudit(ctx context.Context, e Entry) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, e Entry) error

// WriteAudit calls f.
func (f WriterFunc) WriteAudit(ctx context.Context, e Entry) error { return f(ctx, e) }

// writeTimeout bounds how long one writer may hold up a phase transition.
const writeTimeout = 3 * time.Second

// Sink appends entries to every writer and never reports failure.
type Sink struct {
	writers []Writer
	logger  *zap.Logger
}

// New creates a Sink. A nil logger discards write failures silently.
func New(logger *zap.Logger, writers ...Writer) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writers: writers, logger: logger}
}

// Append records e on every writer. Cancellation of ctx does not drop the
// entry.
func (s *Sink) Append(ctx context.Context, e Entry) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	for _, w := range s.writers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("audit writer panicked", zap.Any("panic", r), zap.String("session_id", e.SessionID))
				}
			}()
			if err := w.WriteAudit(ctx, e); err != nil {
				s.logger.Warn("audit write failed",
					zap.String("session_id", e.SessionID),
					zap.String("phase", string(e.Phase)),
					zap.String("outcome", e.Outcome),
					zap.Error(err))
			}
		}()
	}
}

// LogWriter writes entries to a zap logger at info level.
type LogWriter struct {
	Logger *zap.Logger
}

// WriteAudit logs e.
func (l LogWriter) WriteAudit(_ context.Context, e Entry) error {
	l.Logger.Info("audit",
		zap.String("session_id", e.SessionID),
		zap.String("phase", string(e.Phase)),
		zap.String("outcome", e.Outcome),
		zap.String("detail", e.Detail),
		zap.Time("timestamp", e.Timestamp))
	return nil
}
