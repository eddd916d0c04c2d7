package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/remedylabs/remedy/internal/domain"
	"github.com/remedylabs/remedy/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL,
		code_snippet TEXT NOT NULL,
		language TEXT NOT NULL,
		file_path TEXT,
		additional_context TEXT,
		test_command TEXT,
		max_attempts INTEGER NOT NULL,
		require_approval INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		fallback_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS attempts (
		session_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		proposed_patch TEXT NOT NULL,
		explanation TEXT,
		model TEXT,
		sandbox_json TEXT,
		verdict_passed INTEGER NOT NULL DEFAULT 0,
		verdict_reason TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, number)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO sessions (
		session_id, status, error_message, code_snippet, language,
		file_path, additional_context, test_command, max_attempts,
		require_approval, input_tokens, output_tokens, estimated_cost,
		fallback_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	fallbackJSON, err := marshalFallback(session)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query,
		session.ID, string(session.Status), session.ErrorMessage,
		session.CodeSnippet, session.Language,
		nullable(session.FilePath), nullable(session.AdditionalContext),
		nullable(session.TestCommand), session.MaxAttempts,
		session.RequireApproval,
		session.Usage.InputTokens, session.Usage.OutputTokens,
		session.Usage.EstimatedCost, fallbackJSON,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSession persists the mutable portion of a session.
// Retries with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *domain.Session) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.updateSessionOnce(ctx, session)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("UpdateSession failed with SQLITE_BUSY, retrying",
					"session_id", session.ID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("update session %s after %d attempts: %w", session.ID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) updateSessionOnce(ctx context.Context, session *domain.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE sessions SET
		status = ?,
		input_tokens = ?,
		output_tokens = ?,
		estimated_cost = ?,
		fallback_json = ?,
		updated_at = ?
	WHERE session_id = ?`

	fallbackJSON, err := marshalFallback(session)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, query,
		string(session.Status),
		session.Usage.InputTokens, session.Usage.OutputTokens,
		session.Usage.EstimatedCost, fallbackJSON,
		session.UpdatedAt.Unix(), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", session.ID)
	}
	return nil
}

// AppendAttempt records one finished remediation attempt.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, sessionID string, attempt *domain.Attempt) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO attempts (
		session_id, number, proposed_patch, explanation, model,
		sandbox_json, verdict_passed, verdict_reason, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var sandboxJSON interface{}
	if attempt.SandboxResult != nil {
		data, err := json.Marshal(attempt.SandboxResult)
		if err != nil {
			return fmt.Errorf("marshal sandbox result: %w", err)
		}
		sandboxJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, query,
		sessionID, attempt.Number, attempt.ProposedPatch,
		nullable(attempt.Explanation), nullable(attempt.Model),
		sandboxJSON, attempt.Verdict.Passed, nullable(attempt.Verdict.Reason),
		attempt.StartedAt.Unix(), attempt.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, status, error_message, code_snippet, language,
	       file_path, additional_context, test_command, max_attempts,
	       require_approval, input_tokens, output_tokens, estimated_cost,
	       fallback_json, created_at, updated_at`

// GetSession retrieves a session with its attempts, or nil if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	attempts, err := s.getAttempts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Attempts = attempts

	return session, nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession removes a session and its attempts.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete attempts: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupTerminalSessions deletes terminal sessions older than the retention
// window and returns the IDs removed.
func (s *SQLiteStore) CleanupTerminalSessions(ctx context.Context, retention time.Duration) ([]string, error) {
	threshold := time.Now().Add(-retention).Unix()
	query := `
		SELECT session_id FROM sessions
		WHERE status IN ('succeeded', 'exhausted', 'failed') AND updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query terminal sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan terminal session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate terminal sessions: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close terminal session rows: %w", err)
	}

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return nil, fmt.Errorf("cleanup session %s: %w", id, err)
		}
	}

	return ids, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error) {
	query := `
		SELECT number, proposed_patch, explanation, model, sandbox_json,
		       verdict_passed, verdict_reason, started_at, finished_at
		FROM attempts WHERE session_id = ? ORDER BY number ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close attempt rows", "error", closeErr)
		}
	}()

	var attempts []domain.Attempt
	for rows.Next() {
		var attempt domain.Attempt
		var explanation, model, sandboxJSON, verdictReason sql.NullString
		var startedAt, finishedAt int64

		if err := rows.Scan(
			&attempt.Number, &attempt.ProposedPatch, &explanation, &model,
			&sandboxJSON, &attempt.Verdict.Passed, &verdictReason,
			&startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}

		attempt.Explanation = explanation.String
		attempt.Model = model.String
		attempt.Verdict.Reason = verdictReason.String
		attempt.StartedAt = time.Unix(startedAt, 0)
		attempt.FinishedAt = time.Unix(finishedAt, 0)

		if sandboxJSON.Valid {
			var result domain.SandboxResult
			if err := json.Unmarshal([]byte(sandboxJSON.String), &result); err != nil {
				return nil, fmt.Errorf("unmarshal sandbox result: %w", err)
			}
			attempt.SandboxResult = &result
		}

		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var session domain.Session
	var status string
	var filePath, additionalContext, testCommand, fallbackJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &status, &session.ErrorMessage, &session.CodeSnippet,
		&session.Language, &filePath, &additionalContext, &testCommand,
		&session.MaxAttempts, &session.RequireApproval,
		&session.Usage.InputTokens, &session.Usage.OutputTokens,
		&session.Usage.EstimatedCost, &fallbackJSON,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = domain.SessionStatus(status)
	session.FilePath = filePath.String
	session.AdditionalContext = additionalContext.String
	session.TestCommand = testCommand.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)

	if fallbackJSON.Valid {
		var fallback domain.FallbackResponse
		if err := json.Unmarshal([]byte(fallbackJSON.String), &fallback); err != nil {
			return nil, fmt.Errorf("unmarshal fallback: %w", err)
		}
		session.Fallback = &fallback
	}

	return &session, nil
}

func marshalFallback(session *domain.Session) (interface{}, error) {
	if session.Fallback == nil {
		return nil, nil
	}
	data, err := json.Marshal(session.Fallback)
	if err != nil {
		return nil, fmt.Errorf("marshal fallback: %w", err)
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
