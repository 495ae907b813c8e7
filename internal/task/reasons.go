package task

import (
	"fmt"
	"strings"
	"time"
)

// Machine-readable reasons recorded in LastGateReason and event payloads.
const (
	ReasonConcurrencyLimit        = "concurrency_limit"
	ReasonResumeGuardMismatch     = "workspace_resume_guard_mismatch"
	ReasonAuthorConfirmation      = "author_confirmation_required"
	ReasonStalledInRound          = "proposal_consensus_stalled_in_round"
	ReasonStalledAcrossRounds     = "proposal_consensus_stalled_across_rounds"
	ReasonProposalRoundsExhausted = "proposal_consensus_rounds_exhausted"
	ReasonPrecompletionCommands   = "precompletion_commands_missing"
	ReasonPrecompletionEvidence   = "precompletion_evidence_missing"
	ReasonVerificationFailed      = "verification_failed"
	ReasonVerificationHelpOutput  = "verification_help_output"
	ReasonReviewBlocker           = "review_blocker"
	ReasonReviewUnclear           = "review_unclear"
	ReasonReviewUnavailable       = "review_unavailable"
	ReasonLoopNoProgress          = "loop_no_progress"
	ReasonDeadlineReached         = "deadline_reached"
	ReasonCanceled                = "canceled"
	ReasonAuthorRejected          = "author_rejected"
	ReasonAuthorRevise            = "author_requested_revision"
	ReasonSandboxSetupFailed      = "sandbox_setup_failed"
	ReasonPolicyInvalid           = "workspace_policy_invalid"
	ReasonInternalError           = "internal_error"
	ReasonRunInterrupted          = "run_interrupted"
	ReasonPromotionFailed         = "promotion_failed"
	ReasonGatePassed              = "passed"
	DefaultForceFailReason        = "operator_force_fail"
)

// MaxTitleLength bounds task titles.
const MaxTitleLength = 200

// PhaseFailureReason formats the gate reason for an author runtime failure in
// phase, e.g. "implementation_command_timeout".
func PhaseFailureReason(phase Phase, reason string) string {
	return fmt.Sprintf("%s_%s", phase, reason)
}

// Validate checks the invariants every task must satisfy at creation.
func (t *Task) Validate(now time.Time) error {
	if strings.TrimSpace(t.Title) == "" {
		return ErrEmptyTitle
	}
	if len(t.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if strings.TrimSpace(t.WorkspacePath) == "" {
		return ErrEmptyWorkspace
	}
	if t.Author.Provider == "" {
		return ErrMissingAuthor
	}
	if len(t.Reviewers) == 0 {
		return ErrNoReviewers
	}
	seen := make(map[string]bool, len(t.Reviewers))
	for _, r := range t.Reviewers {
		if r.Equal(t.Author) {
			return fmt.Errorf("%w: %s", ErrReviewerIsAuthor, r)
		}
		key := r.String()
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateReviewer, key)
		}
		seen[key] = true
	}
	if t.MaxRounds < 1 {
		return ErrInvalidMaxRounds
	}
	if t.RepairMode != "" && !t.RepairMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRepairMode, t.RepairMode)
	}
	if t.EvolveUntil != nil && !t.EvolveUntil.After(now) {
		return ErrInvalidEvolveUntil
	}
	return nil
}

// Transition moves t to target if the edge exists.
func (t *Task) Transition(target Status, now time.Time) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, target)
	}
	t.Status = target
	t.UpdatedAt = now
	return nil
}
