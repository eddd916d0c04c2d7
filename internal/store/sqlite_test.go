package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedylabs/remedy/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "remedy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testSession(id string) *domain.Session {
	now := time.Now()
	return &domain.Session{
		ID:           id,
		Status:       domain.StatusPending,
		ErrorMessage: "ZeroDivisionError: division by zero",
		CodeSnippet:  "print(1 / 0)",
		Language:     "python",
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestSQLiteStore_CreateAndGetSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-1")
	session.FilePath = "calc.py"
	session.TestCommand = "pytest"
	session.RequireApproval = true
	require.NoError(t, repo.CreateSession(ctx, session))

	got, err := repo.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, session.ErrorMessage, got.ErrorMessage)
	assert.Equal(t, session.CodeSnippet, got.CodeSnippet)
	assert.Equal(t, "calc.py", got.FilePath)
	assert.Equal(t, "pytest", got.TestCommand)
	assert.True(t, got.RequireApproval)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Empty(t, got.Attempts)
	assert.Nil(t, got.Fallback)
}

func TestSQLiteStore_GetSessionMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetSession(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_UpdateSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-2")
	require.NoError(t, repo.CreateSession(ctx, session))

	session.Status = domain.StatusExhausted
	session.Usage = domain.Usage{InputTokens: 120, OutputTokens: 45, EstimatedCost: 0.002}
	session.Fallback = &domain.FallbackResponse{
		SessionID:      session.ID,
		Classification: domain.FallbackAnalysisFailed,
		TotalAttempts:  3,
	}
	session.UpdatedAt = time.Now().Add(time.Minute)
	require.NoError(t, repo.UpdateSession(ctx, session))

	got, err := repo.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, domain.StatusExhausted, got.Status)
	assert.Equal(t, 120, got.Usage.InputTokens)
	assert.Equal(t, 45, got.Usage.OutputTokens)
	assert.InDelta(t, 0.002, got.Usage.EstimatedCost, 1e-9)
	require.NotNil(t, got.Fallback)
	assert.Equal(t, domain.FallbackAnalysisFailed, got.Fallback.Classification)
	assert.Equal(t, 3, got.Fallback.TotalAttempts)
}

func TestSQLiteStore_AppendAttempt(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-3")
	require.NoError(t, repo.CreateSession(ctx, session))

	now := time.Now()
	first := &domain.Attempt{
		Number:        1,
		ProposedPatch: "print(1 / 2)",
		Explanation:   "avoid dividing by zero",
		Model:         "proposer-v1",
		SandboxResult: &domain.SandboxResult{ExitCode: 1, Stderr: "ZeroDivisionError"},
		Verdict:       domain.Verdict{Passed: false, Reason: "exit code 1"},
		StartedAt:     now,
		FinishedAt:    now.Add(2 * time.Second),
	}
	second := &domain.Attempt{
		Number:        2,
		ProposedPatch: "print(1 // 2)",
		SandboxResult: &domain.SandboxResult{ExitCode: 0, Stdout: "0\n"},
		Verdict:       domain.Verdict{Passed: true},
		StartedAt:     now.Add(3 * time.Second),
		FinishedAt:    now.Add(5 * time.Second),
	}
	require.NoError(t, repo.AppendAttempt(ctx, session.ID, first))
	require.NoError(t, repo.AppendAttempt(ctx, session.ID, second))

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Attempts, 2)

	assert.Equal(t, 1, got.Attempts[0].Number)
	assert.Equal(t, "print(1 / 2)", got.Attempts[0].ProposedPatch)
	assert.False(t, got.Attempts[0].Verdict.Passed)
	require.NotNil(t, got.Attempts[0].SandboxResult)
	assert.Equal(t, 1, got.Attempts[0].SandboxResult.ExitCode)

	assert.Equal(t, 2, got.Attempts[1].Number)
	assert.True(t, got.Attempts[1].Verdict.Passed)
	require.NotNil(t, got.Attempts[1].SandboxResult)
	assert.Equal(t, "0\n", got.Attempts[1].SandboxResult.Stdout)
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		session := testSession(id)
		session.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		session.UpdatedAt = session.CreatedAt
		require.NoError(t, repo.CreateSession(ctx, session))
	}

	sessions, err := repo.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "mid", sessions[1].ID)
}

func TestSQLiteStore_DeleteSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	session := testSession("sess-del")
	require.NoError(t, repo.CreateSession(ctx, session))
	require.NoError(t, repo.AppendAttempt(ctx, session.ID, &domain.Attempt{
		Number:        1,
		ProposedPatch: "x",
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}))

	require.NoError(t, repo.DeleteSession(ctx, session.ID))

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_CleanupTerminalSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	stale := testSession("stale-done")
	stale.Status = domain.StatusSucceeded
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.CreateSession(ctx, stale))

	fresh := testSession("fresh-done")
	fresh.Status = domain.StatusFailed
	require.NoError(t, repo.CreateSession(ctx, fresh))

	running := testSession("stale-running")
	running.Status = domain.StatusExecuting
	running.UpdatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.CreateSession(ctx, running))

	removed, err := repo.CleanupTerminalSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-done"}, removed)

	got, err := repo.GetSession(ctx, "stale-running")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = repo.GetSession(ctx, "fresh-done")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
