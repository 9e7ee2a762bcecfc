package pipeline

import "errors"

var (
	// ErrCancelledByUser ends a session at the requester's request. It is a
	// terminal outcome, not a failure.
	ErrCancelledByUser = errors.New("cancelled by user")

	// ErrSessionLocked is returned when another process already drives the
	// session.
	ErrSessionLocked = errors.New("session is locked by another writer")

	// ErrInvalidSessionID rejects ids that cannot name a store entry.
	ErrInvalidSessionID = errors.New("invalid session id")
)
