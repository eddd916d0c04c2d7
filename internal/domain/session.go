// Package domain defines the core types for remediation sessions.
package domain

import (
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a remediation session.
type SessionStatus string

const (
	StatusPending          SessionStatus = "pending"
	StatusAnalyzing        SessionStatus = "analyzing"
	StatusProposing        SessionStatus = "proposing"
	StatusExecuting        SessionStatus = "executing"
	StatusVerifying        SessionStatus = "verifying"
	StatusAwaitingApproval SessionStatus = "awaiting_approval"
	StatusSucceeded        SessionStatus = "succeeded"
	StatusExhausted        SessionStatus = "exhausted"
	StatusFailed           SessionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusExhausted || s == StatusFailed
}

// Usage tracks cumulative token consumption and estimated cost for a session.
// Totals only grow; the orchestrator is the sole writer.
type Usage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// Add accumulates another usage delta into the totals.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.EstimatedCost += delta.EstimatedCost
}

// Session is one end-to-end remediation effort for a reported error.
// Inputs are immutable after creation; only the owning orchestrator
// task mutates status, attempts, and usage.
type Session struct {
	ID                string            `json:"id"`
	Status            SessionStatus     `json:"status"`
	ErrorMessage      string            `json:"error_message"`
	CodeSnippet       string            `json:"code_snippet"`
	Language          string            `json:"language"`
	FilePath          string            `json:"file_path,omitempty"`
	AdditionalContext string            `json:"additional_context,omitempty"`
	TestCommand       string            `json:"test_command,omitempty"`
	MaxAttempts       int               `json:"max_attempts"`
	RequireApproval   bool              `json:"require_approval"`
	Attempts          []Attempt         `json:"attempts"`
	Usage             Usage             `json:"usage"`
	Fallback          *FallbackResponse `json:"fallback,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ErrorSignature returns the leading token of the session's error message,
// the part before the first ":". For "ZeroDivisionError: division by zero"
// that is "ZeroDivisionError".
func (s *Session) ErrorSignature() string {
	return ErrorSignature(s.ErrorMessage)
}

// ErrorSignature extracts the error type token from an error message.
func ErrorSignature(errorMessage string) string {
	if idx := strings.Index(errorMessage, ":"); idx >= 0 {
		return strings.TrimSpace(errorMessage[:idx])
	}
	return strings.TrimSpace(errorMessage)
}

// Attempt is one proposal/execute/verify cycle within a session.
// Immutable once verified; the orchestrator appends, never edits.
type Attempt struct {
	Number        int            `json:"number"`
	ProposedPatch string         `json:"proposed_patch"`
	Explanation   string         `json:"explanation,omitempty"`
	Model         string         `json:"model,omitempty"`
	SandboxResult *SandboxResult `json:"sandbox_result,omitempty"`
	Verdict       Verdict        `json:"verdict"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// SandboxResult captures one isolated execution of a candidate patch.
type SandboxResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	// TestRan is set when a caller-supplied test command executed; ExitCode
	// then reflects the test command, which is authoritative for the verdict.
	TestRan bool `json:"test_ran,omitempty"`
}

// CombinedOutput returns stdout and stderr concatenated for scanning.
func (r *SandboxResult) CombinedOutput() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Verdict is the verifier's pass/fail judgment for one attempt.
type Verdict struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}
