package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// Default phase timeouts, used when neither the task nor the deployment
// overrides them.
const (
	DefaultDiscussionTimeout     = 10 * time.Minute
	DefaultImplementationTimeout = 30 * time.Minute
	DefaultReviewTimeout         = 15 * time.Minute
	DefaultVerificationTimeout   = 20 * time.Minute
)

// Config configures the round executor.
type Config struct {
	// PhaseTimeouts are deployment defaults; a task's own overrides win.
	PhaseTimeouts map[task.Phase]time.Duration

	// RecallLimit bounds how many memories are injected into the discussion
	// prompt.
	RecallLimit int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		PhaseTimeouts: map[task.Phase]time.Duration{
			task.PhaseDiscussion:     DefaultDiscussionTimeout,
			task.PhaseImplementation: DefaultImplementationTimeout,
			task.PhaseReview:         DefaultReviewTimeout,
			task.PhaseVerification:   DefaultVerificationTimeout,
		},
		RecallLimit: 5,
	}
}

// Timeout resolves the timeout for phase on t.
func (c Config) Timeout(t *task.Task, phase task.Phase) time.Duration {
	fallback, ok := c.PhaseTimeouts[phase]
	if !ok || fallback <= 0 {
		fallback = DefaultConfig().PhaseTimeouts[phase]
	}
	if fallback <= 0 {
		fallback = DefaultImplementationTimeout
	}
	return t.PhaseTimeout(phase, fallback)
}

// CancelCheck reports whether cancellation was requested for the running task.
// It is consulted only at phase boundaries.
type CancelCheck func(ctx context.Context) bool

// PhaseStatus represents the completion status of a phase.
type PhaseStatus string

const (
	StatusPending    PhaseStatus = "pending"
	StatusInProgress PhaseStatus = "in_progress"
	StatusCompleted  PhaseStatus = "completed"
	StatusFailed     PhaseStatus = "failed"
	StatusSkipped    PhaseStatus = "skipped"
)

// PhaseResult captures the outcome of one phase of a round.
type PhaseResult struct {
	Phase       task.Phase  `json:"phase"`
	Status      PhaseStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Violation is a gate finding. Violations of error or critical severity fail
// the round; the first one's type becomes the gate reason.
type Violation struct {
	Type        ViolationType `json:"type"`
	Phase       task.Phase    `json:"phase"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType is a machine-readable gate reason.
type ViolationType string

const (
	ViolationCommandsMissing    ViolationType = task.ReasonPrecompletionCommands
	ViolationEvidenceMissing    ViolationType = task.ReasonPrecompletionEvidence
	ViolationVerificationFailed ViolationType = task.ReasonVerificationFailed
	ViolationHelpAsVerification ViolationType = task.ReasonVerificationHelpOutput
	ViolationReviewBlocker      ViolationType = task.ReasonReviewBlocker
	ViolationReviewUnclear      ViolationType = task.ReasonReviewUnclear
	ViolationReviewUnavailable  ViolationType = task.ReasonReviewUnavailable
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RoundInput is everything the executor needs to run one round.
type RoundInput struct {
	Task    *task.Task
	Number  int
	HeadSHA string

	// Proposal is the approved proposal in manual mode.
	Proposal string

	// Hint is the strategy hint injected after a repeated round signature.
	Hint string
}

// RoundState is the live state of one round, passed to gates.
type RoundState struct {
	Task         *task.Task
	Number       int
	Phase        task.Phase
	Results      map[task.Phase]*PhaseResult
	Review       review.Summary
	Bundle       *evidence.Bundle
	EvidencePath string
	Violations   []Violation
	StartedAt    time.Time
}

// NewRoundState creates the state for round n of t.
func NewRoundState(t *task.Task, n int) *RoundState {
	return &RoundState{
		Task:      t,
		Number:    n,
		Results:   make(map[task.Phase]*PhaseResult),
		StartedAt: time.Now(),
	}
}

// CanTransition checks that next directly follows the current phase and that
// the current phase completed. The first phase may always start.
func (s *RoundState) CanTransition(next task.Phase) error {
	currentIdx, nextIdx := -1, -1
	for i, p := range task.RoundPhases {
		if p == s.Phase {
			currentIdx = i
		}
		if p == next {
			nextIdx = i
		}
	}
	if nextIdx == -1 {
		return fmt.Errorf("invalid target phase: %s", next)
	}
	if s.Phase == "" {
		if nextIdx != 0 {
			return fmt.Errorf("round must start with %s, not %s", task.RoundPhases[0], next)
		}
		return nil
	}
	if currentIdx == -1 {
		return fmt.Errorf("invalid current phase: %s", s.Phase)
	}
	if nextIdx != currentIdx+1 {
		return fmt.Errorf("cannot transition from %s to %s: must follow sequential order", s.Phase, next)
	}
	result, ok := s.Results[s.Phase]
	if !ok || result.Status != StatusCompleted {
		return fmt.Errorf("cannot transition: phase %s not completed", s.Phase)
	}
	return nil
}

// RoundResult is what a finished round reports to the lifecycle.
type RoundResult struct {
	Number     int
	Passed     bool
	GateReason string

	// Canceled is set when a cancel request was honoured at Boundary.
	Canceled bool
	Boundary task.Phase

	EvidencePath          string
	ImplementationSummary string
	ReviewText            string
	Review                review.Summary
	Violations            []Violation
}

// PhaseGate validates the state of a round before it may pass.
type PhaseGate interface {
	// Name returns the gate identifier.
	Name() string

	// Check validates gate conditions, returning violations if any.
	Check(ctx context.Context, state *RoundState) ([]Violation, error)
}
