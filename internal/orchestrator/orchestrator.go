// Package orchestrator drives remediation sessions through their lifecycle:
// propose a fix, execute it in a sandbox, verify the outcome, retry or fall
// back. One goroutine owns each session; everything else observes through
// the event bus and the read model.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remedylabs/remedy/internal/bus"
	"github.com/remedylabs/remedy/internal/domain"
	"github.com/remedylabs/remedy/internal/proposer"
	"github.com/remedylabs/remedy/internal/retrieval"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/store"
)

var (
	// ErrSessionNotFound indicates no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAwaitingApproval indicates an approval decision arrived while the
	// session was not paused at the approval gate.
	ErrNotAwaitingApproval = errors.New("session is not awaiting approval")

	// ErrSessionFinished indicates the session has already reached a terminal
	// status.
	ErrSessionFinished = errors.New("session already finished")
)

// ValidationError reports a rejected start request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Config holds orchestration policy.
type Config struct {
	DefaultMaxAttempts int           // attempts when the request leaves it unset
	MaxAttemptsCap     int           // hard ceiling on requested attempts
	RetryDelay         time.Duration // pause between failed attempt and next proposal
	ApprovalTimeout    time.Duration // 0 waits indefinitely at the approval gate
	SandboxLimits      sandbox.Limits
	RepoRoot           string // repository root passed to context retrieval
}

// DefaultConfig returns the orchestration policy used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts: 3,
		MaxAttemptsCap:     10,
		RetryDelay:         0,
		SandboxLimits:      sandbox.DefaultLimits(),
	}
}

// StartRequest describes one error to remediate.
type StartRequest struct {
	ErrorMessage      string `json:"error_message"`
	CodeSnippet       string `json:"code_snippet"`
	Language          string `json:"language"`
	FilePath          string `json:"file_path,omitempty"`
	AdditionalContext string `json:"additional_context,omitempty"`
	TestCommand       string `json:"test_command,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	RequireApproval   bool   `json:"require_approval,omitempty"`
}

// task is the orchestrator's handle on one live session goroutine.
type task struct {
	mu       sync.Mutex
	session  *domain.Session
	machine  state
	awaiting bool
	decision chan bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// snapshot returns a copy safe to hand to callers while the run loop keeps
// mutating the original.
func (t *task) snapshot() *domain.Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	copied := *t.session
	copied.Attempts = make([]domain.Attempt, len(t.session.Attempts))
	copy(copied.Attempts, t.session.Attempts)
	return &copied
}

// Orchestrator runs remediation sessions.
type Orchestrator struct {
	cfg       Config
	repo      store.Repository
	runner    sandbox.Runner
	proposer  proposer.Proposer
	retriever retrieval.Retriever
	bus       *bus.Bus
	logger    *slog.Logger

	mu   sync.Mutex
	live map[string]*task
}

// New creates an orchestrator. retriever may be nil when no context
// retrieval service is configured.
func New(
	cfg Config,
	repo store.Repository,
	runner sandbox.Runner,
	prop proposer.Proposer,
	retriever retrieval.Retriever,
	eventBus *bus.Bus,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.MaxAttemptsCap <= 0 {
		cfg.MaxAttemptsCap = 10
	}
	if cfg.SandboxLimits.Timeout <= 0 {
		cfg.SandboxLimits = sandbox.DefaultLimits()
	}
	return &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		runner:    runner,
		proposer:  prop,
		retriever: retriever,
		bus:       eventBus,
		logger:    logger,
		live:      make(map[string]*task),
	}
}

// Start validates the request, persists a new session and launches its run
// loop. The returned session is a snapshot taken before the loop starts.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.Session, error) {
	session, err := o.buildSession(req)
	if err != nil {
		return nil, err
	}

	if err := o.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	// The session outlives the request that started it. Cancellation goes
	// through Cancel, not the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{
		session:  session,
		machine:  statePending,
		decision: make(chan bool, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	o.mu.Lock()
	o.live[session.ID] = t
	o.mu.Unlock()

	o.logger.Info("session started",
		"session_id", session.ID,
		"language", session.Language,
		"max_attempts", session.MaxAttempts,
		"require_approval", session.RequireApproval)

	go o.run(runCtx, t)

	return t.snapshot(), nil
}

func (o *Orchestrator) buildSession(req StartRequest) (*domain.Session, error) {
	if req.ErrorMessage == "" {
		return nil, &ValidationError{Field: "error_message", Reason: "must not be empty"}
	}
	if req.CodeSnippet == "" {
		return nil, &ValidationError{Field: "code_snippet", Reason: "must not be empty"}
	}

	lang, err := sandbox.ResolveLanguage(req.Language)
	if err != nil {
		return nil, &ValidationError{Field: "language", Reason: err.Error()}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = o.cfg.DefaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, &ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	if maxAttempts > o.cfg.MaxAttemptsCap {
		return nil, &ValidationError{
			Field:  "max_attempts",
			Reason: fmt.Sprintf("must not exceed %d", o.cfg.MaxAttemptsCap),
		}
	}

	now := time.Now()
	return &domain.Session{
		ID:                uuid.NewString(),
		Status:            domain.StatusPending,
		ErrorMessage:      req.ErrorMessage,
		CodeSnippet:       req.CodeSnippet,
		Language:          string(lang),
		FilePath:          req.FilePath,
		AdditionalContext: req.AdditionalContext,
		TestCommand:       req.TestCommand,
		MaxAttempts:       maxAttempts,
		RequireApproval:   req.RequireApproval,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Get returns the current view of a session: the live snapshot when the run
// loop still owns it, otherwise the persisted record.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	o.mu.Lock()
	t, ok := o.live[sessionID]
	o.mu.Unlock()
	if ok {
		return t.snapshot(), nil
	}

	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns recent sessions, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*domain.Session, error) {
	sessions, err := o.repo.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Approve releases a session paused at the approval gate.
func (o *Orchestrator) Approve(sessionID string) error {
	return o.decide(sessionID, true)
}

// Reject declines the held patch; the session fails without executing it.
func (o *Orchestrator) Reject(sessionID string) error {
	return o.decide(sessionID, false)
}

func (o *Orchestrator) decide(sessionID string, approved bool) error {
	o.mu.Lock()
	t, ok := o.live[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.awaiting {
		if t.machine.terminal() {
			return ErrSessionFinished
		}
		return ErrNotAwaitingApproval
	}
	t.awaiting = false
	t.decision <- approved
	return nil
}

// Cancel aborts a running session. The run loop observes the cancellation,
// marks the session failed and emits a terminal error event.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	t, ok := o.live[sessionID]
	o.mu.Unlock()
	if ok {
		t.mu.Lock()
		terminal := t.machine.terminal()
		t.mu.Unlock()
		if terminal {
			return ErrSessionFinished
		}
		t.cancel()
		return nil
	}

	session, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return ErrSessionNotFound
	}
	return ErrSessionFinished
}

// SweepFinished drops finished sessions older than the retention window from
// the live registry and the event bus replay. Persisted records are removed
// by the store cleanup; this releases the in-memory side.
func (o *Orchestrator) SweepFinished(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, t := range o.live {
		t.mu.Lock()
		expired := t.machine.terminal() && t.session.UpdatedAt.Before(cutoff)
		t.mu.Unlock()
		if expired {
			delete(o.live, id)
			o.bus.Remove(id)
			removed++
		}
	}
	return removed
}
