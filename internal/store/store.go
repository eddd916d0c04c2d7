// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/remedylabs/remedy/internal/domain"
)

// Repository defines the interface for persisting remediation sessions and
// their attempt history.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// UpdateSession persists the mutable portion of a session: status, token
	// usage, fallback payload and updated_at. Attempts are appended separately.
	UpdateSession(ctx context.Context, session *domain.Session) error

	// AppendAttempt records one finished remediation attempt. Attempts are
	// immutable once written.
	AppendAttempt(ctx context.Context, sessionID string, attempt *domain.Attempt) error

	// GetSession retrieves a session with its attempts, or nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns the most recently updated sessions, newest first,
	// without their attempt history.
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)

	// DeleteSession removes a session and its attempts.
	DeleteSession(ctx context.Context, sessionID string) error

	// CleanupTerminalSessions deletes terminal sessions whose last update is
	// older than the retention window and returns the IDs removed.
	CleanupTerminalSessions(ctx context.Context, retention time.Duration) ([]string, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
