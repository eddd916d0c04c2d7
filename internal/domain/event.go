package domain

import (
	"time"
)

// EventType identifies the kind of a ThoughtEvent.
type EventType string

const (
	EventStatus          EventType = "status"
	EventThought         EventType = "thought"
	EventResult          EventType = "result"
	EventError           EventType = "error"
	EventApprovalRequest EventType = "approval_request"
)

// IsTerminal reports whether the event type marks the end of a session's
// stream. Terminal events must never be dropped by the bus.
func (t EventType) IsTerminal() bool {
	return t == EventResult || t == EventError
}

// Processing stages attached to events. Free-form by contract; these are the
// tags the orchestrator emits.
const (
	StageInitialization   = "initialization"
	StageAnalysis         = "analysis"
	StageProposing        = "proposing"
	StageAwaitingApproval = "awaiting_approval"
	StageSandboxExecution = "sandbox_execution"
	StageVerification     = "verification"
	StageFallback         = "fallback"
	StageComplete         = "complete"
)

// ThoughtEvent is one observable unit of session progress. Produced only by
// the orchestrator, consumed read-only by bus subscribers, never mutated
// after emission.
type ThoughtEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}
