package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lucasnoah/agentgate/internal/pipeline"
)

var (
	// ErrNoPending means the requester has no pending marker.
	ErrNoPending = errors.New("no pending confirmation")

	// ErrConfirmationExpired means the marker existed but its TTL lapsed. The
	// store deletes it on read; callers treat the message as ordinary.
	ErrConfirmationExpired = errors.New("confirmation expired")

	// ErrConcurrentSession rejects a trigger while one is already pending.
	ErrConcurrentSession = errors.New("session already pending")
)

// Pending is the time-bounded marker for a session awaiting confirmation.
type Pending struct {
	Requester string                `json:"requester"`
	Session   pipeline.BuildSession `json:"session"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Expired reports whether the marker is no longer valid at now.
func (p *Pending) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PendingStore holds one marker per requester.
type PendingStore interface {
	// Put creates or replaces the requester's marker.
	Put(ctx context.Context, p Pending) error
	// Get returns the live marker, ErrNoPending, or ErrConfirmationExpired
	// (after deleting the stale marker).
	Get(ctx context.Context, requester string, now time.Time) (*Pending, error)
	// Delete removes the marker; deleting a missing marker is not an error.
	Delete(ctx context.Context, requester string) error
}

// MemoryStore is an in-process PendingStore.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[string]Pending
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[string]Pending)}
}

// Put stores p.
func (m *MemoryStore) Put(_ context.Context, p Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[p.Requester] = p
	return nil
}

// Get returns the live marker for requester.
func (m *MemoryStore) Get(_ context.Context, requester string, now time.Time) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.markers[requester]
	if !ok {
		return nil, ErrNoPending
	}
	if p.Expired(now) {
		delete(m.markers, requester)
		return nil, ErrConfirmationExpired
	}
	return &p, nil
}

// Delete removes the marker for requester.
func (m *MemoryStore) Delete(_ context.Context, requester string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, requester)
	return nil
}
