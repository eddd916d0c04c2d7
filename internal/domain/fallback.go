package domain

import (
	"time"
)

// FallbackClassification distinguishes why automated fixing stopped.
type FallbackClassification string

const (
	// FallbackAPIConnectionFailed means the fix-proposal capability was
	// unreachable before any useful attempt could be made.
	FallbackAPIConnectionFailed FallbackClassification = "api_connection_failed"
	// FallbackAnalysisFailed means every generated fix failed verification.
	FallbackAnalysisFailed FallbackClassification = "ai_analysis_failed"
)

// FallbackResponse is the deterministic remediation document produced when
// automation cannot close the loop. It has no identity beyond the session it
// summarizes.
type FallbackResponse struct {
	SessionID      string                 `json:"session_id"`
	Classification FallbackClassification `json:"classification"`
	TotalAttempts  int                    `json:"total_attempts"`
	GeneratedAt    time.Time              `json:"generated_at"`

	ErrorSummary ErrorSummary    `json:"error_summary"`
	Notice       FailureNotice   `json:"notice"`
	Guidance     ManualGuidance  `json:"manual_guidance"`
	Steps        []DebuggingStep `json:"debugging_steps"`
	Resources    []Resource      `json:"helpful_resources"`
	Attempts     []AttemptNote   `json:"attempt_summary,omitempty"`
	NextSteps    []string        `json:"recommended_next_steps"`
}

// ErrorSummary restates the failing input.
type ErrorSummary struct {
	OriginalError string `json:"original_error"`
	ErrorType     string `json:"error_type"`
	CodeSnippet   string `json:"code_snippet"`
}

// FailureNotice explains why automation stopped and what that means.
type FailureNotice struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Impact  string `json:"impact"`
}

// ManualGuidance holds pattern-specific fix suggestions.
type ManualGuidance struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	SuggestedFixes []string `json:"suggested_fixes"`
	ExampleFix     string   `json:"example_fix,omitempty"`
}

// DebuggingStep is one numbered manual debugging action.
type DebuggingStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// Resource points at external documentation or tooling.
type Resource struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description"`
}

// AttemptNote summarizes one failed attempt for the fallback document.
type AttemptNote struct {
	Number int    `json:"number"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}
