// Package fallback produces deterministic remediation guidance when the
// automated fixing loop cannot close a session.
package fallback

import (
	"fmt"
	"net/url"
	"time"

	"github.com/remedylabs/remedy/internal/domain"
)

const snippetLimit = 500

// Generate projects a session's failure history into a structured guidance
// document. Output is a pure function of the session and classification;
// only GeneratedAt varies between calls.
func Generate(session *domain.Session, classification domain.FallbackClassification) *domain.FallbackResponse {
	errorType := session.ErrorSignature()

	resp := &domain.FallbackResponse{
		SessionID:      session.ID,
		Classification: classification,
		TotalAttempts:  len(session.Attempts),
		GeneratedAt:    time.Now().UTC(),
		ErrorSummary: domain.ErrorSummary{
			OriginalError: session.ErrorMessage,
			ErrorType:     errorTypeLabel(errorType),
			CodeSnippet:   truncate(session.CodeSnippet, snippetLimit),
		},
		Steps:     debuggingSteps,
		Resources: resources(errorType),
	}

	switch classification {
	case domain.FallbackAPIConnectionFailed:
		resp.Notice = domain.FailureNotice{
			Title:   "Fix Service Unavailable",
			Message: "The fix-proposal service could not be reached.",
			Reason:  "The connection failed or timed out before any fix could be generated.",
			Impact:  "Automatic fixing is temporarily disabled; manual debugging is required.",
		}
		resp.NextSteps = []string{
			"Verify the fix-proposal service endpoint and credentials",
			"Check network connectivity from this host",
			"Retry the request in a few minutes",
			"Use the manual guidance below in the meantime",
		}
	default:
		resp.Notice = domain.FailureNotice{
			Title:   "Automated Analysis Exhausted",
			Message: fmt.Sprintf("No verified fix was produced after %d attempts.", len(session.Attempts)),
			Reason:  "Every generated fix failed verification in the sandbox environment.",
			Impact:  "Manual debugging is required to resolve this issue.",
		}
		resp.NextSteps = []string{
			"Review the manual guidance below",
			"Try the example solution as a starting point",
			"Work through the debugging steps in order",
			"Escalate if the bug blocks a release",
		}
	}

	if p, ok := knowledgeBase[errorType]; ok {
		resp.Guidance = domain.ManualGuidance{
			Title:          p.Title,
			Description:    p.Description,
			SuggestedFixes: p.CommonFixes,
			ExampleFix:     p.ExampleFix,
		}
	} else {
		resp.Guidance = genericGuidance
	}

	for _, attempt := range session.Attempts {
		note := domain.AttemptNote{Number: attempt.Number, Result: "FAILED"}
		if attempt.Verdict.Passed {
			note.Result = "PASSED"
		}
		note.Error = truncate(attempt.Verdict.Reason, 200)
		resp.Attempts = append(resp.Attempts, note)
	}

	return resp
}

func resources(errorType string) []domain.Resource {
	query := errorType
	if query == "" {
		query = "runtime error"
	}
	return []domain.Resource{
		{
			Name:        "Language Documentation",
			URL:         "https://docs.python.org/3/",
			Description: "Reference for the runtime's built-in error types",
		},
		{
			Name:        "Stack Overflow",
			URL:         "https://stackoverflow.com/search?q=" + url.QueryEscape(query),
			Description: "Community Q&A for similar failures",
		},
		{
			Name:        "Interactive Debugger",
			Description: "Step through the failing code path with the runtime's debugger",
		},
	}
}

func errorTypeLabel(errorType string) string {
	if errorType == "" {
		return "Unknown"
	}
	return errorType
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
