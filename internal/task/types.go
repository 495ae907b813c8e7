// Package task defines the task and round records and the lifecycle state
// machine every status change must follow.
package task

import (
	"time"

	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusWaitingManual Status = "waiting_manual"
	StatusPassed        Status = "passed"
	StatusFailedGate    Status = "failed_gate"
	StatusFailedSystem  Status = "failed_system"
	StatusCanceled      Status = "canceled"
)

// ValidTransitions defines allowed state transitions. Edges into
// failed_system from queued and waiting_manual exist for force-fail.
var ValidTransitions = map[Status][]Status{
	StatusQueued:        {StatusRunning, StatusCanceled, StatusFailedSystem},
	StatusRunning:       {StatusWaitingManual, StatusPassed, StatusFailedGate, StatusFailedSystem, StatusCanceled},
	StatusWaitingManual: {StatusQueued, StatusCanceled, StatusFailedSystem},
	StatusPassed:        {}, // terminal
	StatusFailedGate:    {}, // terminal
	StatusFailedSystem:  {}, // terminal
	StatusCanceled:      {}, // terminal
}

// CanTransitionTo checks if a transition from current status to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailedGate, StatusFailedSystem, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// Phase is a single stage of a round, or the proposal stage that precedes
// rounds in manual mode.
type Phase string

const (
	PhaseProposal       Phase = "proposal"
	PhaseDiscussion     Phase = "discussion"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseVerification   Phase = "verification"
	PhaseGate           Phase = "gate"
)

// RoundPhases is the fixed phase order of one round.
var RoundPhases = []Phase{
	PhaseDiscussion,
	PhaseImplementation,
	PhaseReview,
	PhaseVerification,
	PhaseGate,
}

// RepairMode controls how aggressively the author is asked to change approach.
type RepairMode string

const (
	RepairMinimal    RepairMode = "minimal"
	RepairBalanced   RepairMode = "balanced"
	RepairStructural RepairMode = "structural"
)

// Escalate returns the next, more aggressive repair mode. Structural is the
// ceiling.
func (m RepairMode) Escalate() RepairMode {
	switch m {
	case RepairMinimal:
		return RepairBalanced
	case RepairBalanced, RepairStructural:
		return RepairStructural
	}
	return RepairBalanced
}

// Valid reports whether m is a known repair mode.
func (m RepairMode) Valid() bool {
	return m == RepairMinimal || m == RepairBalanced || m == RepairStructural
}

// Merge outcome values recorded on a task after promotion is attempted.
const (
	MergeStatusNone     = ""
	MergeStatusMerged   = "merged"
	MergeStatusBlocked  = "blocked"
	MergeStatusSkipped  = "skipped"
	MergeStatusPromoted = "promoted"
)

// Task is the unit of work tracked through the lifecycle.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Author    participant.Ref   `json:"author"`
	Reviewers []participant.Ref `json:"reviewers"`

	Status          Status `json:"status"`
	LastGateReason  string `json:"last_gate_reason,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`

	SandboxMode  bool `json:"sandbox_mode"`
	SelfLoopMode bool `json:"self_loop_mode"`
	AutoMerge    bool `json:"auto_merge"`
	DebateMode   bool `json:"debate_mode"`

	MaxRounds       int        `json:"max_rounds"`
	EvolveUntil     *time.Time `json:"evolve_until,omitempty"`
	RoundsCompleted int        `json:"rounds_completed"`

	RepairMode RepairMode `json:"repair_mode"`

	// PhaseTimeouts overrides configured phase timeouts, in seconds.
	PhaseTimeouts map[Phase]int `json:"phase_timeouts,omitempty"`

	WorkspacePath        string `json:"workspace_path"`
	SandboxWorkspacePath string `json:"sandbox_workspace_path,omitempty"`
	SandboxGenerated     bool   `json:"sandbox_generated"`
	SandboxCleanupOnPass bool   `json:"sandbox_cleanup_on_pass"`
	WorkspaceFingerprint string `json:"workspace_fingerprint,omitempty"`
	MergeTargetPath      string `json:"merge_target_path,omitempty"`

	VerificationCommands []string `json:"verification_commands,omitempty"`

	ProposalApproved bool   `json:"proposal_approved"`
	ProposalNote     string `json:"proposal_note,omitempty"`

	MergeStatus string `json:"merge_status,omitempty"`
	MergeReason string `json:"merge_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Reviewers = append([]participant.Ref(nil), t.Reviewers...)
	c.VerificationCommands = append([]string(nil), t.VerificationCommands...)
	if t.EvolveUntil != nil {
		d := *t.EvolveUntil
		c.EvolveUntil = &d
	}
	if t.PhaseTimeouts != nil {
		c.PhaseTimeouts = make(map[Phase]int, len(t.PhaseTimeouts))
		for k, v := range t.PhaseTimeouts {
			c.PhaseTimeouts[k] = v
		}
	}
	return &c
}

// WorkDir is the directory participants and verification commands run in.
func (t *Task) WorkDir() string {
	if t.SandboxMode && t.SandboxWorkspacePath != "" {
		return t.SandboxWorkspacePath
	}
	return t.WorkspacePath
}

// MergeTarget is the directory promotion writes into.
func (t *Task) MergeTarget() string {
	if t.MergeTargetPath != "" {
		return t.MergeTargetPath
	}
	return t.WorkspacePath
}

// ManualMode reports whether the task requires a human-approved proposal
// before rounds run.
func (t *Task) ManualMode() bool {
	return !t.SelfLoopMode
}

// PhaseTimeout returns the task's override for phase, or fallback.
func (t *Task) PhaseTimeout(phase Phase, fallback time.Duration) time.Duration {
	if secs, ok := t.PhaseTimeouts[phase]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// BudgetExhausted reports whether no further round may start. A deadline, when
// set, supersedes MaxRounds.
func (t *Task) BudgetExhausted(now time.Time) bool {
	if t.EvolveUntil != nil {
		return !now.Before(*t.EvolveUntil)
	}
	return t.RoundsCompleted >= t.MaxRounds
}

// SnapshotsEnabled reports whether each round keeps a promotable snapshot.
func (t *Task) SnapshotsEnabled() bool {
	return t.MaxRounds > 1 && !t.AutoMerge
}

// Round is one pass of the phase sequence for a task.
type Round struct {
	TaskID       string     `json:"task_id"`
	Number       int        `json:"number"`
	HeadSHA      string     `json:"head_sha,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Passed       bool       `json:"passed"`
	GateReason   string     `json:"gate_reason,omitempty"`
	EvidencePath string     `json:"evidence_path,omitempty"`
	SnapshotPath string     `json:"snapshot_path,omitempty"`
	Signature    string     `json:"signature,omitempty"`
}

// Clone returns a copy of r.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}
	c := *r
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
