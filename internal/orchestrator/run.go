package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/remedylabs/remedy/internal/domain"
	"github.com/remedylabs/remedy/internal/fallback"
	"github.com/remedylabs/remedy/internal/proposer"
	"github.com/remedylabs/remedy/internal/retrieval"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/verify"
)

// run owns one session from start to terminal state. It is the only writer
// of the session's status, attempts and usage.
func (o *Orchestrator) run(ctx context.Context, t *task) {
	sessionID := t.session.ID
	defer o.bus.Complete(sessionID)

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("session run loop panicked", "session_id", sessionID, "panic", r)
			o.fail(t, fmt.Sprintf("internal error: %v", r))
		}
	}()
	defer close(t.done)

	o.advance(t, inputStart)
	o.emit(t, domain.EventStatus, domain.StageInitialization, "Initializing remediation session", nil)
	o.emit(t, domain.EventThought, domain.StageInitialization,
		fmt.Sprintf("Error type detected: %s", t.session.ErrorSignature()),
		map[string]any{"error_preview": preview(t.session.ErrorMessage, 200)})
	if t.session.FilePath != "" {
		o.emit(t, domain.EventThought, domain.StageInitialization,
			fmt.Sprintf("Target file: %s", t.session.FilePath), nil)
	}

	o.emit(t, domain.EventStatus, domain.StageAnalysis, "Analyzing error and gathering context", nil)
	extraContext := o.gatherContext(ctx, t)
	o.advance(t, inputAnalyzed)

	for attemptNo := 1; attemptNo <= t.session.MaxAttempts; attemptNo++ {
		if ctx.Err() != nil {
			o.cancelled(t)
			return
		}

		attempt := domain.Attempt{Number: attemptNo, StartedAt: time.Now()}

		o.emit(t, domain.EventThought, domain.StageProposing,
			fmt.Sprintf("Attempt %d/%d: requesting fix proposal", attemptNo, t.session.MaxAttempts),
			map[string]any{"attempt": attemptNo})

		proposal, err := o.propose(ctx, t, extraContext)
		if err != nil {
			if ctx.Err() != nil {
				o.cancelled(t)
				return
			}
			o.proposalFailed(t, err)
			return
		}

		attempt.ProposedPatch = proposal.Patch
		attempt.Explanation = proposal.Explanation
		attempt.Model = proposal.Model

		t.mu.Lock()
		t.session.Usage.Add(proposal.Usage)
		t.mu.Unlock()

		o.emit(t, domain.EventThought, domain.StageProposing, "Fix proposal received",
			map[string]any{
				"model":         proposal.Model,
				"input_tokens":  proposal.Usage.InputTokens,
				"output_tokens": proposal.Usage.OutputTokens,
			})

		if t.session.RequireApproval {
			o.advance(t, inputPatchHeld)
			approved, ok := o.awaitApproval(ctx, t, &attempt)
			if !ok {
				o.cancelled(t)
				return
			}
			if !approved {
				o.rejected(t, &attempt)
				return
			}
			o.advance(t, inputApproved)
		} else {
			o.advance(t, inputPatchReady)
		}

		o.emit(t, domain.EventStatus, domain.StageSandboxExecution,
			"Executing candidate fix in isolated sandbox", nil)

		result, runErr := o.runner.Run(ctx, sandbox.Request{
			Language:    t.session.Language,
			Code:        proposal.Patch,
			TestCommand: t.session.TestCommand,
			Limits:      o.cfg.SandboxLimits,
		})
		if ctx.Err() != nil {
			o.cancelled(t)
			return
		}
		o.advance(t, inputExecuted)

		attempt.SandboxResult = result
		if runErr != nil {
			o.logger.Warn("sandbox run failed",
				"session_id", t.session.ID, "attempt", attemptNo, "error", runErr)
			attempt.Verdict = domain.Verdict{
				Passed: false,
				Reason: fmt.Sprintf("sandbox unavailable: %v", runErr),
			}
		} else {
			o.emit(t, domain.EventStatus, domain.StageVerification, "Verifying candidate fix", nil)
			attempt.Verdict = verify.Verify(t.session.ErrorSignature(), result, t.session.TestCommand)
		}
		attempt.FinishedAt = time.Now()

		o.recordAttempt(t, &attempt)

		if attempt.Verdict.Passed {
			o.succeeded(t, &attempt)
			return
		}

		o.emit(t, domain.EventThought, domain.StageVerification,
			fmt.Sprintf("Attempt %d failed verification: %s", attemptNo, attempt.Verdict.Reason),
			map[string]any{"attempt": attemptNo, "reason": attempt.Verdict.Reason})

		if attemptNo == t.session.MaxAttempts {
			o.exhausted(t)
			return
		}

		o.advance(t, inputVerdictRetry)
		if o.cfg.RetryDelay > 0 {
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				o.cancelled(t)
				return
			}
		}
	}
}

// gatherContext merges the caller-supplied context with retrieved repository
// snippets. Retrieval failures degrade to caller context only.
func (o *Orchestrator) gatherContext(ctx context.Context, t *task) string {
	parts := []string{}
	if t.session.AdditionalContext != "" {
		parts = append(parts, t.session.AdditionalContext)
	}

	if o.retriever != nil {
		candidates, err := o.retriever.Retrieve(ctx, retrieval.Request{
			ErrorMessage: t.session.ErrorMessage,
			CodeSnippet:  t.session.CodeSnippet,
			RepoRoot:     o.cfg.RepoRoot,
		})
		if err != nil {
			o.logger.Warn("context retrieval failed", "session_id", t.session.ID, "error", err)
		} else if len(candidates) > 0 {
			paths := make([]string, 0, len(candidates))
			for _, c := range candidates {
				paths = append(paths, c.Path)
				if c.Snippet != "" {
					parts = append(parts, fmt.Sprintf("%s:\n%s", c.Path, c.Snippet))
				}
			}
			o.emit(t, domain.EventThought, domain.StageAnalysis,
				fmt.Sprintf("Retrieved %d related repository files", len(candidates)),
				map[string]any{"files": paths})
		}
	}

	return strings.Join(parts, "\n\n")
}

// propose asks the fix-proposal capability for a patch, feeding back every
// earlier failed attempt so retries are informed.
func (o *Orchestrator) propose(ctx context.Context, t *task, extraContext string) (*proposer.Proposal, error) {
	t.mu.Lock()
	prior := make([]proposer.PriorAttempt, 0, len(t.session.Attempts))
	for _, a := range t.session.Attempts {
		prior = append(prior, proposer.PriorAttempt{
			Number:        a.Number,
			ProposedPatch: a.ProposedPatch,
			FailureReason: a.Verdict.Reason,
		})
	}
	t.mu.Unlock()

	return o.proposer.Propose(ctx, proposer.Request{
		ErrorMessage:  t.session.ErrorMessage,
		CodeSnippet:   t.session.CodeSnippet,
		Language:      t.session.Language,
		Context:       extraContext,
		PriorAttempts: prior,
	})
}

// awaitApproval parks the session at the approval gate. Returns the decision
// and false when the wait was cut short by cancellation. A configured
// timeout counts as a rejection.
func (o *Orchestrator) awaitApproval(ctx context.Context, t *task, attempt *domain.Attempt) (approved, ok bool) {
	t.mu.Lock()
	t.awaiting = true
	t.mu.Unlock()

	o.emit(t, domain.EventApprovalRequest, domain.StageAwaitingApproval,
		fmt.Sprintf("Attempt %d: fix proposal awaiting approval", attempt.Number),
		map[string]any{
			"attempt":        attempt.Number,
			"proposed_patch": attempt.ProposedPatch,
			"explanation":    attempt.Explanation,
		})

	var timeout <-chan time.Time
	if o.cfg.ApprovalTimeout > 0 {
		timer := time.NewTimer(o.cfg.ApprovalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case decision := <-t.decision:
		return decision, true
	case <-timeout:
		t.mu.Lock()
		t.awaiting = false
		t.mu.Unlock()
		// A caller's decision may have been acknowledged just before the
		// timer fired; it is already in the buffered channel and must win
		// over the timeout.
		select {
		case decision := <-t.decision:
			return decision, true
		default:
		}
		o.emit(t, domain.EventThought, domain.StageAwaitingApproval,
			"Approval window elapsed, treating as rejection", nil)
		return false, true
	case <-ctx.Done():
		t.mu.Lock()
		t.awaiting = false
		t.mu.Unlock()
		return false, false
	}
}

// recordAttempt appends the finished attempt to the session and persists it.
func (o *Orchestrator) recordAttempt(t *task, attempt *domain.Attempt) {
	t.mu.Lock()
	t.session.Attempts = append(t.session.Attempts, *attempt)
	t.mu.Unlock()

	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.AppendAttempt(pctx, t.session.ID, attempt); err != nil {
		o.logger.Error("persist attempt failed",
			"session_id", t.session.ID, "attempt", attempt.Number, "error", err)
	}
}

func (o *Orchestrator) succeeded(t *task, attempt *domain.Attempt) {
	o.advance(t, inputVerdictPassed)
	o.emit(t, domain.EventResult, domain.StageComplete,
		fmt.Sprintf("Fix verified after %d attempt(s)", attempt.Number),
		map[string]any{
			"success":    true,
			"fixed_code": attempt.ProposedPatch,
			"attempts":   attempt.Number,
			"usage":      t.snapshot().Usage,
		})
	o.logger.Info("session succeeded", "session_id", t.session.ID, "attempts", attempt.Number)
}

// exhausted handles a session that spent its attempt budget without a
// verified fix: generate manual guidance and finish.
func (o *Orchestrator) exhausted(t *task) {
	o.advance(t, inputVerdictExhausted)
	o.finishWithFallback(t, domain.FallbackAnalysisFailed,
		"Automated fixing unsuccessful, generated manual debugging guidance")
}

// proposalFailed handles a failure of the fix-proposal capability itself:
// no more attempts are possible, so the session exhausts immediately with
// connectivity-classified guidance.
func (o *Orchestrator) proposalFailed(t *task, err error) {
	o.logger.Warn("fix proposal failed", "session_id", t.session.ID, "error", err)
	o.emit(t, domain.EventThought, domain.StageProposing,
		fmt.Sprintf("Fix proposal unavailable: %v", err), nil)
	o.advance(t, inputProposalFailed)
	o.finishWithFallback(t, domain.FallbackAPIConnectionFailed,
		"Fix proposal service unavailable, generated manual debugging guidance")
}

func (o *Orchestrator) finishWithFallback(t *task, classification domain.FallbackClassification, message string) {
	o.emit(t, domain.EventStatus, domain.StageFallback, "Preparing manual debugging guidance", nil)

	o.attachFallback(t, classification)

	o.emit(t, domain.EventResult, domain.StageFallback, message,
		map[string]any{
			"success":        false,
			"classification": string(classification),
			"fallback":       t.snapshot().Fallback,
		})
	o.logger.Info("session exhausted",
		"session_id", t.session.ID,
		"classification", string(classification),
		"attempts", len(t.snapshot().Attempts))
}

func (o *Orchestrator) rejected(t *task, attempt *domain.Attempt) {
	attempt.Verdict = domain.Verdict{Passed: false, Reason: "rejected at approval gate"}
	attempt.FinishedAt = time.Now()
	o.recordAttempt(t, attempt)

	o.advance(t, inputRejected)
	o.attachFallback(t, domain.FallbackAnalysisFailed)
	o.emit(t, domain.EventError, domain.StageComplete,
		fmt.Sprintf("Fix proposal rejected on attempt %d", attempt.Number),
		map[string]any{"attempt": attempt.Number})
	o.logger.Info("session rejected", "session_id", t.session.ID, "attempt", attempt.Number)
}

func (o *Orchestrator) cancelled(t *task) {
	o.advance(t, inputCancelled)
	o.attachFallback(t, domain.FallbackAnalysisFailed)
	o.emit(t, domain.EventError, domain.StageComplete, "Session cancelled", nil)
	o.logger.Info("session cancelled", "session_id", t.session.ID)
}

// attachFallback puts manual guidance on a non-success terminal session so
// callers never see a bare failure without a structured explanation.
func (o *Orchestrator) attachFallback(t *task, classification domain.FallbackClassification) {
	response := fallback.Generate(t.snapshot(), classification)
	t.mu.Lock()
	t.session.Fallback = response
	t.mu.Unlock()
	o.persist(t)
}

// fail force-fails a session outside the normal transitions. Used only by
// the panic guard.
func (o *Orchestrator) fail(t *task, reason string) {
	t.mu.Lock()
	alreadyDone := t.machine.terminal()
	if !alreadyDone {
		t.machine = stateFailed
		t.session.Status = domain.StatusFailed
		t.session.UpdatedAt = time.Now()
	}
	t.mu.Unlock()
	if alreadyDone {
		return
	}
	o.persist(t)
	o.emit(t, domain.EventError, domain.StageComplete, reason, nil)
}

// advance applies one state machine input, mirrors the new state onto the
// session status and persists it. Transition errors indicate an orchestrator
// bug, not a caller mistake, so they are logged loudly rather than returned.
func (o *Orchestrator) advance(t *task, in input) {
	t.mu.Lock()
	next, err := transition(t.machine, in)
	if err != nil {
		t.mu.Unlock()
		o.logger.Error("state machine violation",
			"session_id", t.session.ID, "state", t.machine.String(), "input", in.String())
		return
	}
	t.machine = next
	t.session.Status = next.status()
	t.session.UpdatedAt = time.Now()
	t.mu.Unlock()

	o.persist(t)
}

func (o *Orchestrator) persist(t *task) {
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.UpdateSession(pctx, t.snapshot()); err != nil {
		o.logger.Error("persist session failed", "session_id", t.session.ID, "error", err)
	}
}

func (o *Orchestrator) emit(t *task, eventType domain.EventType, stage, message string, data map[string]any) {
	o.bus.Publish(t.session.ID, domain.ThoughtEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: t.session.ID,
		Stage:     stage,
		Message:   message,
		Data:      data,
	})
}

// preview truncates s to at most limit bytes without splitting a rune.
func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
