// Package pgstore keeps chain state and audit events in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// Store implements pipeline.ChainStore, pipeline.Locker and audit.Writer.
type Store struct {
	pool     *pgxpool.Pool
	lockConn *pgx.ConnConfig
	now      func() time.Time
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return openConfig(ctx, cfg)
}

func openConfig(ctx context.Context, cfg *pgxpool.Config) (*Store, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, lockConn: cfg.ConnConfig.Copy(), now: time.Now}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS chain_states (
    session_id  TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    phase       TEXT NOT NULL DEFAULT '',
    state       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chain_states_status ON chain_states(status, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    phase       TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id, id);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Save upserts the state.
func (s *Store) Save(ctx context.Context, cs *pipeline.ChainState) error {
	cs.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshal chain state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chain_states (session_id, status, phase, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		cs.SessionID, string(cs.Status), string(cs.Phase), data, cs.Session.CreatedAt, cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save chain %s: %w", cs.SessionID, err)
	}
	return nil
}

// Load reads the state for a session.
func (s *Store) Load(ctx context.Context, sessionID string) (*pipeline.ChainState, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM chain_states WHERE session_id = $1`, sessionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load chain %s: %w", sessionID, err)
	}
	var cs pipeline.ChainState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, false, fmt.Errorf("unmarshal chain %s: %w", sessionID, err)
	}
	return &cs, true, nil
}

// List returns states ordered by creation time.
func (s *Store) List(ctx context.Context, status pipeline.Status) ([]pipeline.ChainState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT state FROM chain_states
		WHERE $1 = '' OR status = $1
		ORDER BY created_at, session_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var states []pipeline.ChainState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		var cs pipeline.ChainState
		if err := json.Unmarshal(data, &cs); err != nil {
			continue // skip broken entries
		}
		states = append(states, cs)
	}
	return states, rows.Err()
}

// Lock takes a session-scoped advisory lock on its own connection, opened
// outside the pool so held locks never starve Save and Load. The lock dies
// with the connection, so a crashed writer never leaves it behind.
func (s *Store) Lock(ctx context.Context, sessionID string) (func() error, error) {
	conn, err := pgx.ConnectConfig(ctx, s.lockConn)
	if err != nil {
		return nil, fmt.Errorf("connect lock session: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, sessionID).Scan(&ok); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Close(context.Background())
		return nil, fmt.Errorf("%w: %s", pipeline.ErrSessionLocked, sessionID)
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, sessionID)
		if cerr := conn.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("advisory unlock: %w", err)
		}
		return nil
	}, nil
}

// WriteAudit appends an audit event.
func (s *Store) WriteAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (session_id, phase, outcome, detail, ts) VALUES ($1, $2, $3, $4, $5)`,
		e.SessionID, string(e.Phase), e.Outcome, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditHistory returns a session's audit events oldest first.
func (s *Store) AuditHistory(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, phase, outcome, detail, ts FROM audit_events WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var phase string
		if err := rows.Scan(&e.SessionID, &phase, &e.Outcome, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Phase = pipeline.Phase(phase)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var (
	_ pipeline.ChainStore = (*Store)(nil)
	_ pipeline.Locker     = (*Store)(nil)
	_ audit.Writer        = (*Store)(nil)
)
