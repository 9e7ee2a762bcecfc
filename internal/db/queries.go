package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/agentgate/internal/audit"
	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

const timeLayout = time.RFC3339Nano

// PendingStore adapts the database to gate.PendingStore.
type PendingStore struct {
	db *DB
}

// Pending returns the marker store backed by d.
func (d *DB) Pending() *PendingStore {
	return &PendingStore{db: d}
}

// Put inserts or replaces the requester's marker.
func (s *PendingStore) Put(ctx context.Context, p gate.Pending) error {
	session, err := json.Marshal(p.Session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO pending_confirmations (requester, session_id, session, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(requester) DO UPDATE SET
			session_id = excluded.session_id,
			session    = excluded.session,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		p.Requester, p.Session.ID, string(session),
		p.CreatedAt.UTC().Format(timeLayout), p.ExpiresAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("put pending %s: %w", p.Requester, err)
	}
	return nil
}

// Get returns the live marker or deletes an expired one.
func (s *PendingStore) Get(ctx context.Context, requester string, now time.Time) (*gate.Pending, error) {
	var session, created, expires string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT session, created_at, expires_at FROM pending_confirmations WHERE requester = ?`,
		requester).Scan(&session, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gate.ErrNoPending
	}
	if err != nil {
		return nil, fmt.Errorf("get pending %s: %w", requester, err)
	}

	p := gate.Pending{Requester: requester}
	if err := json.Unmarshal([]byte(session), &p.Session); err != nil {
		return nil, fmt.Errorf("unmarshal pending session: %w", err)
	}
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.ExpiresAt, err = time.Parse(timeLayout, expires); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	if p.Expired(now) {
		if err := s.Delete(ctx, requester); err != nil {
			return nil, err
		}
		return nil, gate.ErrConfirmationExpired
	}
	return &p, nil
}

// Delete removes the requester's marker.
func (s *PendingStore) Delete(ctx context.Context, requester string) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE requester = ?`, requester); err != nil {
		return fmt.Errorf("delete pending %s: %w", requester, err)
	}
	return nil
}

// PurgeExpired deletes every marker expired at now and returns how many.
func (s *PendingStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM pending_confirmations WHERE expires_at <= ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge pending: %w", err)
	}
	return res.RowsAffected()
}

// WriteAudit appends an audit event. It implements audit.Writer.
func (d *DB) WriteAudit(ctx context.Context, e audit.Entry) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_events (session_id, phase, outcome, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Phase), e.Outcome, e.Detail, e.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditHistory returns a session's audit events oldest first.
func (d *DB) AuditHistory(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT session_id, phase, outcome, detail, timestamp
		FROM audit_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var phase, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.SessionID, &phase, &e.Outcome, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Phase = pipeline.Phase(phase.String)
		e.Detail = detail.String
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
