// Package agents materializes agent definition files where the agent CLI
// discovers them, sharing one file between concurrent sessions through
// reference counting.
package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/metrics"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// ErrNotHeld is returned when releasing an identity whose count is already
// zero.
var ErrNotHeld = errors.New("agent resource not held")

// ResourceAcquisitionError reports a failure to materialize a definition.
// It is fatal for the phase that needed it.
type ResourceAcquisitionError struct {
	Identity string
	Err      error
}

func (e *ResourceAcquisitionError) Error() string {
	return fmt.Sprintf("acquire agent %q: %v", e.Identity, e.Err)
}

func (e *ResourceAcquisitionError) Unwrap() error { return e.Err }

// Manager owns the reference counts for materialized definitions under
// <root>/.claude/agents.
type Manager struct {
	root    string
	source  Source
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	remove  func(string) error

	// dirMu guards the shared parent directories: writers hold it shared
	// while creating them, pruning holds it exclusively.
	dirMu sync.RWMutex
}

type entry struct {
	mu   sync.Mutex
	refs int
	// orphaned marks a file whose removal failed. The manager keeps its one
	// reference until the next Acquire adopts it.
	orphaned bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics publishes reference counts on the agent refs gauge.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager materializing definitions from source under
// root.
func NewManager(root string, source Source, opts ...Option) *Manager {
	m := &Manager{
		root:    filepath.Clean(root),
		source:  source,
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
		remove:  os.Remove,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the directory agents run in.
func (m *Manager) Root() string {
	return m.root
}

// Path returns where the definition for identity is materialized.
func (m *Manager) Path(identity string) string {
	return filepath.Join(m.agentsDir(), identity+".md")
}

func (m *Manager) agentsDir() string {
	return filepath.Join(m.root, ".claude", "agents")
}

// entry returns the lock/count pair for identity. Entries are never removed
// so a goroutine holding one can never race a replacement.
func (m *Manager) entry(identity string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[identity]
	if !ok {
		e = &entry{}
		m.entries[identity] = e
	}
	return e
}

// Acquire materializes the definition on the first reference and returns a
// handle that must be released. Re-acquiring a held identity only bumps the
// count; the file is not rewritten.
func (m *Manager) Acquire(ctx context.Context, identity string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidIdentity(identity) {
		return nil, &ResourceAcquisitionError{Identity: identity, Err: ErrUnknownAgent}
	}

	e := m.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.orphaned:
		e.orphaned = false
	case e.refs == 0:
		if err := m.materialize(identity); err != nil {
			return nil, &ResourceAcquisitionError{Identity: identity, Err: err}
		}
		m.logger.Debug("agent definition materialized", zap.String("agent", identity))
		e.refs++
	default:
		e.refs++
	}
	m.observe(identity, e.refs)

	return &Handle{m: m, identity: identity, path: m.Path(identity)}, nil
}

func (m *Manager) materialize(identity string) error {
	data, err := m.source.Get(identity)
	if err != nil {
		return err
	}
	m.dirMu.RLock()
	defer m.dirMu.RUnlock()
	return pipeline.WriteAtomic(m.Path(identity), data, 0o644)
}

func (m *Manager) release(identity string) error {
	e := m.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refs <= 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, identity)
	}
	e.refs--
	m.observe(identity, e.refs)
	if e.refs > 0 {
		return nil
	}

	if err := m.remove(m.Path(identity)); err != nil && !os.IsNotExist(err) {
		e.refs = 1
		e.orphaned = true
		m.observe(identity, e.refs)
		m.logger.Warn("remove agent definition", zap.String("agent", identity), zap.Error(err))
		return fmt.Errorf("remove agent %s: %w", identity, err)
	}
	m.pruneDirs()
	m.logger.Debug("agent definition removed", zap.String("agent", identity))
	return nil
}

// pruneDirs removes .claude/agents and .claude when empty. os.Remove fails on
// non-empty directories, which stops the walk.
func (m *Manager) pruneDirs() {
	m.dirMu.Lock()
	defer m.dirMu.Unlock()
	for dir := m.agentsDir(); dir != m.root && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

func (m *Manager) observe(identity string, refs int) {
	if m.metrics != nil {
		m.metrics.AgentRefs.WithLabelValues(identity).Set(float64(refs))
	}
}

// Refs returns the current reference count for identity.
func (m *Manager) Refs(identity string) int {
	e := m.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// With runs fn while holding identity and releases it on every exit path,
// including panics.
func (m *Manager) With(ctx context.Context, identity string, fn func(*Handle) error) (err error) {
	h, err := m.Acquire(ctx, identity)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := h.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(h)
}

// Handle is a lease on one materialized definition.
type Handle struct {
	m        *Manager
	identity string
	path     string
	once     sync.Once
	err      error
}

// Identity returns the agent identity the handle holds.
func (h *Handle) Identity() string { return h.identity }

// Path returns the materialized file.
func (h *Handle) Path() string { return h.path }

// Release drops the lease. Calling it more than once has no further effect.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.m.release(h.identity)
	})
	return h.err
}
