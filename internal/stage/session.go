package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Session guards one session's ChainState. The phase goroutine and Cancel
// both mutate the state only while holding the guard, so a result that
// arrives after cancellation is never committed.
type Session struct {
	mu        sync.Mutex
	state     *pipeline.ChainState
	cancelled bool
}

// NewSession wraps cs. A state already marked cancelled stays cancelled.
func NewSession(cs *pipeline.ChainState) *Session {
	return &Session{state: cs, cancelled: cs.Status == pipeline.StatusCancelled}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.state.SessionID
}

// Snapshot returns a copy of the current state. Slices are copied so the
// caller may keep it while the session advances.
func (s *Session) Snapshot() pipeline.ChainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := *s.state
	cs.History = append([]pipeline.PhaseRecord(nil), s.state.History...)
	cs.Clarifications = append([]pipeline.ClarificationRound(nil), s.state.Clarifications...)
	return cs
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Cancel marks the session cancelled and persists it at once. It reports
// false when the session had already reached a terminal status.
func (s *Session) Cancel(ctx context.Context, store pipeline.ChainStore, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.state.Status.Terminal() {
		return false, nil
	}
	s.cancelled = true
	s.state.SetStatus(pipeline.StatusCancelled, now)
	if err := store.Save(ctx, s.state); err != nil {
		return true, fmt.Errorf("save cancelled session: %w", err)
	}
	return true, nil
}

// commit runs fn on the live state under the guard unless the session was
// cancelled.
func (s *Session) commit(fn func(cs *pipeline.ChainState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return pipeline.ErrCancelledByUser
	}
	return fn(s.state)
}
