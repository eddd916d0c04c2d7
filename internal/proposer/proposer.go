// Package proposer defines the boundary to the external fix-proposal
// capability and an HTTP client for it.
package proposer

import (
	"context"

	"github.com/remedylabs/remedy/internal/domain"
)

// PriorAttempt carries one earlier failed attempt so a retry proposal is
// informed rather than identical.
type PriorAttempt struct {
	Number        int    `json:"number"`
	ProposedPatch string `json:"proposed_patch"`
	FailureReason string `json:"failure_reason"`
}

// Request is the input to one proposal call.
type Request struct {
	ErrorMessage  string         `json:"error_message"`
	CodeSnippet   string         `json:"code_snippet"`
	Language      string         `json:"language"`
	Context       string         `json:"context,omitempty"`
	PriorAttempts []PriorAttempt `json:"prior_attempts,omitempty"`
}

// Proposal is a candidate patch plus token-usage metadata.
type Proposal struct {
	Patch       string       `json:"patch"`
	Explanation string       `json:"explanation,omitempty"`
	Model       string       `json:"model,omitempty"`
	Usage       domain.Usage `json:"usage"`
}

// Proposer generates candidate fixes. Implementations must respect ctx
// cancellation and return one of the classified errors on failure.
type Proposer interface {
	Propose(ctx context.Context, req Request) (*Proposal, error)
}
