package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ChainStore persists ChainState snapshots.
type ChainStore interface {
	// Save writes the state, stamping UpdatedAt.
	Save(ctx context.Context, cs *ChainState) error
	// Load returns found=false with a nil error when the session has no state.
	Load(ctx context.Context, sessionID string) (cs *ChainState, found bool, err error)
	// List returns every state, optionally filtered by status ("" for all).
	List(ctx context.Context, status Status) ([]ChainState, error)
}

// Locker grants a single writer per session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) (unlock func() error, err error)
}

// FileStore keeps one chain.json per session under baseDir.
type FileStore struct {
	baseDir   string
	lockStale time.Duration
	now       func() time.Time
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, lockStale: DefaultLockStale, now: time.Now}
}

// DefaultFileStore returns a FileStore at ~/.agentgate/sessions, creating the
// directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".agentgate", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewFileStore(dir), nil
}

// SetLockStale overrides the stale-lock threshold.
func (s *FileStore) SetLockStale(d time.Duration) {
	if d > 0 {
		s.lockStale = d
	}
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FileStore) chainPath(id string) string {
	return filepath.Join(s.sessionDir(id), "chain.json")
}

func (s *FileStore) lockPath(id string) string {
	return filepath.Join(s.sessionDir(id), "lock")
}

// Save writes the state for cs.SessionID atomically.
func (s *FileStore) Save(_ context.Context, cs *ChainState) error {
	if err := validID(cs.SessionID); err != nil {
		return err
	}
	cs.UpdatedAt = s.now().UTC()
	if err := WriteJSON(s.chainPath(cs.SessionID), cs); err != nil {
		return fmt.Errorf("save chain %s: %w", cs.SessionID, err)
	}
	return nil
}

// Load reads the state for a session.
func (s *FileStore) Load(_ context.Context, sessionID string) (*ChainState, bool, error) {
	if err := validID(sessionID); err != nil {
		return nil, false, err
	}
	var cs ChainState
	if err := ReadJSON(s.chainPath(sessionID), &cs); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load chain %s: %w", sessionID, err)
	}
	return &cs, true, nil
}

// List returns all sessions ordered by creation time.
func (s *FileStore) List(ctx context.Context, status Status) ([]ChainState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var states []ChainState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cs, found, err := s.Load(ctx, entry.Name())
		if err != nil || !found {
			continue // skip broken or half-created entries
		}
		if status == "" || cs.Status == status {
			states = append(states, *cs)
		}
	}

	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].Session.CreatedAt, states[j].Session.CreatedAt
		if a.Equal(b) {
			return states[i].SessionID < states[j].SessionID
		}
		return a.Before(b)
	})
	return states, nil
}
