package fallback

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/remedylabs/remedy/internal/domain"
)

func testSession() *domain.Session {
	return &domain.Session{
		ID:           "sess-1",
		Status:       domain.StatusExhausted,
		ErrorMessage: "ZeroDivisionError: division by zero",
		CodeSnippet:  "def divide(a,b): return a/b",
		Language:     "python",
		MaxAttempts:  3,
		Attempts: []domain.Attempt{
			{Number: 1, Verdict: domain.Verdict{Passed: false, Reason: "original error still present"}},
			{Number: 2, Verdict: domain.Verdict{Passed: false, Reason: "process exited with code 1"}},
		},
	}
}

func TestGenerate_KnownErrorType(t *testing.T) {
	resp := Generate(testSession(), domain.FallbackAnalysisFailed)

	if resp.Classification != domain.FallbackAnalysisFailed {
		t.Errorf("Expected ai_analysis_failed, got %s", resp.Classification)
	}
	if resp.ErrorSummary.ErrorType != "ZeroDivisionError" {
		t.Errorf("Expected ZeroDivisionError, got %s", resp.ErrorSummary.ErrorType)
	}
	if resp.Guidance.Title != "Division by Zero Detected" {
		t.Errorf("Expected pattern-specific guidance, got %q", resp.Guidance.Title)
	}
	if len(resp.Guidance.SuggestedFixes) == 0 {
		t.Error("Expected suggested fixes")
	}
	if resp.TotalAttempts != 2 || len(resp.Attempts) != 2 {
		t.Errorf("Expected 2 attempts summarized, got total=%d notes=%d", resp.TotalAttempts, len(resp.Attempts))
	}
}

func TestGenerate_UnknownErrorType(t *testing.T) {
	session := testSession()
	session.ErrorMessage = "WeirdCustomFault: something odd"

	resp := Generate(session, domain.FallbackAnalysisFailed)
	if resp.Guidance.Title != genericGuidance.Title {
		t.Errorf("Expected generic guidance, got %q", resp.Guidance.Title)
	}
}

func TestGenerate_APIConnectionFailed(t *testing.T) {
	session := testSession()
	session.Attempts = nil

	resp := Generate(session, domain.FallbackAPIConnectionFailed)
	if resp.Classification != domain.FallbackAPIConnectionFailed {
		t.Errorf("Expected api_connection_failed, got %s", resp.Classification)
	}
	if !strings.Contains(resp.Notice.Title, "Unavailable") {
		t.Errorf("Expected unavailable notice, got %q", resp.Notice.Title)
	}
	if resp.TotalAttempts != 0 {
		t.Errorf("Expected zero attempts, got %d", resp.TotalAttempts)
	}
}

func TestGenerate_SnippetTruncated(t *testing.T) {
	session := testSession()
	session.CodeSnippet = strings.Repeat("x", 2000)

	resp := Generate(session, domain.FallbackAnalysisFailed)
	if len(resp.ErrorSummary.CodeSnippet) != snippetLimit+3 {
		t.Errorf("Expected truncated snippet of %d chars, got %d", snippetLimit+3, len(resp.ErrorSummary.CodeSnippet))
	}
}

// Two identical sessions must produce byte-identical documents apart from the
// generation timestamp.
func TestGenerate_Deterministic(t *testing.T) {
	first := Generate(testSession(), domain.FallbackAPIConnectionFailed)
	second := Generate(testSession(), domain.FallbackAPIConnectionFailed)

	first.GeneratedAt = time.Time{}
	second.GeneratedAt = time.Time{}

	a, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("marshal first: %v", err)
	}
	b, err := json.Marshal(second)
	if err != nil {
		t.Fatalf("marshal second: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("Fallback output is not deterministic:\n%s\n---\n%s", a, b)
	}
}
