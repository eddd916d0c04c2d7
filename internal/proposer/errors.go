package proposer

import (
	"errors"
	"fmt"
)

// Classified failure conditions of the fix-proposal capability. The
// orchestrator routes on these; anything wrapped in ErrUnreachable or
// ErrRateLimited is a CapabilityUnavailable condition, not a process fault.
var (
	ErrUnreachable     = errors.New("fix-proposal service unreachable")
	ErrRateLimited     = errors.New("fix-proposal service rate limited")
	ErrInvalidResponse = errors.New("fix-proposal service returned invalid response")
)

// classifyStatus maps an HTTP status from the proposal service onto the
// classified error set.
func classifyStatus(statusCode int, body string) error {
	switch {
	case statusCode == 429:
		return fmt.Errorf("%w: status %d", ErrRateLimited, statusCode)
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnreachable, statusCode, body)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, statusCode, body)
	}
}

// IsRetryable reports whether a proposal call is worth retrying at the
// transport level. Invalid responses are not; the service already answered.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrRateLimited)
}
