package orchestrator

import (
	"fmt"

	"github.com/remedylabs/remedy/internal/domain"
)

// state is the orchestrator's position in one session's lifecycle. Kept as an
// explicit enum with a pure transition function so illegal moves (verifying
// without an active attempt, approving a session that is not paused) are
// rejected in one place instead of scattered flag checks.
type state int

const (
	statePending state = iota
	stateAnalyzing
	stateProposing
	stateAwaitingApproval
	stateExecuting
	stateVerifying
	stateSucceeded
	stateExhausted
	stateFailed
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateAnalyzing:
		return "analyzing"
	case stateProposing:
		return "proposing"
	case stateAwaitingApproval:
		return "awaiting_approval"
	case stateExecuting:
		return "executing"
	case stateVerifying:
		return "verifying"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s state) terminal() bool {
	return s == stateSucceeded || s == stateExhausted || s == stateFailed
}

// status maps a machine state onto the externally visible session status.
func (s state) status() domain.SessionStatus {
	switch s {
	case statePending:
		return domain.StatusPending
	case stateAnalyzing:
		return domain.StatusAnalyzing
	case stateProposing:
		return domain.StatusProposing
	case stateAwaitingApproval:
		return domain.StatusAwaitingApproval
	case stateExecuting:
		return domain.StatusExecuting
	case stateVerifying:
		return domain.StatusVerifying
	case stateSucceeded:
		return domain.StatusSucceeded
	case stateExhausted:
		return domain.StatusExhausted
	default:
		return domain.StatusFailed
	}
}

// input is one stimulus fed to the transition function.
type input int

const (
	inputStart            input = iota // session kicked off
	inputAnalyzed                      // context gathering finished
	inputPatchReady                    // non-empty patch, no approval gate
	inputPatchHeld                     // non-empty patch, approval required
	inputProposalFailed                // fix-proposal capability failed
	inputApproved                      // human approved the held patch
	inputRejected                      // human rejected the held patch
	inputExecuted                      // sandbox run finished
	inputVerdictPassed                 // verifier passed the attempt
	inputVerdictRetry                  // verdict failed, attempts remain
	inputVerdictExhausted              // verdict failed, attempt budget spent
	inputCancelled                     // session cancelled by the caller
)

func (in input) String() string {
	names := map[input]string{
		inputStart:            "start",
		inputAnalyzed:         "analyzed",
		inputPatchReady:       "patch_ready",
		inputPatchHeld:        "patch_held",
		inputProposalFailed:   "proposal_failed",
		inputApproved:         "approved",
		inputRejected:         "rejected",
		inputExecuted:         "executed",
		inputVerdictPassed:    "verdict_passed",
		inputVerdictRetry:     "verdict_retry",
		inputVerdictExhausted: "verdict_exhausted",
		inputCancelled:        "cancelled",
	}
	if name, ok := names[in]; ok {
		return name
	}
	return fmt.Sprintf("input(%d)", int(in))
}

// transition is the session state machine. Pure: no side effects, fully
// deterministic, returns an error for any move the lifecycle does not allow.
func transition(s state, in input) (state, error) {
	if in == inputCancelled {
		if s.terminal() {
			return s, fmt.Errorf("illegal transition: %s on terminal state %s", in, s)
		}
		return stateFailed, nil
	}

	switch s {
	case statePending:
		if in == inputStart {
			return stateAnalyzing, nil
		}
	case stateAnalyzing:
		if in == inputAnalyzed {
			return stateProposing, nil
		}
	case stateProposing:
		switch in {
		case inputPatchReady:
			return stateExecuting, nil
		case inputPatchHeld:
			return stateAwaitingApproval, nil
		case inputProposalFailed:
			return stateExhausted, nil
		}
	case stateAwaitingApproval:
		switch in {
		case inputApproved:
			return stateExecuting, nil
		case inputRejected:
			return stateFailed, nil
		}
	case stateExecuting:
		if in == inputExecuted {
			return stateVerifying, nil
		}
	case stateVerifying:
		switch in {
		case inputVerdictPassed:
			return stateSucceeded, nil
		case inputVerdictRetry:
			return stateProposing, nil
		case inputVerdictExhausted:
			return stateExhausted, nil
		}
	}
	return s, fmt.Errorf("illegal transition: %s on state %s", in, s)
}
