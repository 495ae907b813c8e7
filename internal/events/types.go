// Package events is the append-only, per-task ordered record of everything
// that happens to a task.
//
// Event payloads form a closed vocabulary. Each event type has exactly one
// payload struct; the struct's Type method is the tag and Decode uses the tag
// to restore the concrete payload.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloveric/awe-agentforge-sub000/internal/review"
)

// Type is the event tag.
type Type string

// Event vocabulary, version 1.
const (
	TypeTaskCreated                Type = "task_created"
	TypeTaskStarted                Type = "task_started"
	TypeStartDeferred              Type = "start_deferred"
	TypeProposalReview             Type = "proposal_review"
	TypeStalledInRound             Type = "proposal_consensus_stalled_in_round"
	TypeStalledAcrossRounds        Type = "proposal_consensus_stalled_across_rounds"
	TypeAuthorConfirmationRequired Type = "author_confirmation_required"
	TypeAuthorDecision             Type = "author_decision"
	TypeRoundStarted               Type = "round_started"
	TypeDiscussionStarted          Type = "discussion_started"
	TypeImplementationStarted      Type = "implementation_started"
	TypeReviewStarted              Type = "review_started"
	TypePhaseCompleted             Type = "phase_completed"
	TypeParticipantOutput          Type = "participant_output"
	TypeReviewerDowngraded         Type = "reviewer_downgraded"
	TypeReviewVerdict              Type = "review_verdict"
	TypeVerification               Type = "verification"
	TypePrecompletionChecklist     Type = "precompletion_checklist"
	TypeGatePassed                 Type = "gate_passed"
	TypeGateFailed                 Type = "gate_failed"
	TypeStrategyShifted            Type = "strategy_shifted"
	TypePromotion                  Type = "promotion"
	TypeTaskFinished               Type = "task_finished"
	TypeCanceled                   Type = "canceled"
	TypeForceFailed                Type = "force_failed"
	TypeSystemFailure              Type = "system_failure"
)

// SchemaVersion is bumped whenever a payload shape changes incompatibly.
const SchemaVersion = 1

// Payload is implemented by every event variant.
type Payload interface {
	Type() Type
}

// Event is an immutable record in a task's log.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	Round     int       `json:"round"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type eventJSON struct {
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Round     int             `json:"round"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// UnmarshalJSON restores the concrete payload from the type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p, err := Decode(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		TaskID:    raw.TaskID,
		Seq:       raw.Seq,
		Type:      raw.Type,
		Round:     raw.Round,
		Payload:   p,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}

// ErrUnknownType is returned when decoding a tag outside the vocabulary.
var ErrUnknownType = errors.New("unknown event type")

var registry = map[Type]func() Payload{
	TypeTaskCreated:                func() Payload { return &TaskCreated{} },
	TypeTaskStarted:                func() Payload { return &TaskStarted{} },
	TypeStartDeferred:              func() Payload { return &StartDeferred{} },
	TypeProposalReview:             func() Payload { return &ProposalReview{} },
	TypeStalledInRound:             func() Payload { return &StalledInRound{} },
	TypeStalledAcrossRounds:        func() Payload { return &StalledAcrossRounds{} },
	TypeAuthorConfirmationRequired: func() Payload { return &AuthorConfirmationRequired{} },
	TypeAuthorDecision:             func() Payload { return &AuthorDecision{} },
	TypeRoundStarted:               func() Payload { return &RoundStarted{} },
	TypeDiscussionStarted:          func() Payload { return &PhaseStarted{} },
	TypeImplementationStarted:      func() Payload { return &PhaseStarted{} },
	TypeReviewStarted:              func() Payload { return &PhaseStarted{} },
	TypePhaseCompleted:             func() Payload { return &PhaseCompleted{} },
	TypeParticipantOutput:          func() Payload { return &ParticipantOutput{} },
	TypeReviewerDowngraded:         func() Payload { return &ReviewerDowngraded{} },
	TypeReviewVerdict:              func() Payload { return &ReviewVerdict{} },
	TypeVerification:               func() Payload { return &Verification{} },
	TypePrecompletionChecklist:     func() Payload { return &PrecompletionChecklist{} },
	TypeGatePassed:                 func() Payload { return &GatePassed{} },
	TypeGateFailed:                 func() Payload { return &GateFailed{} },
	TypeStrategyShifted:            func() Payload { return &StrategyShifted{} },
	TypePromotion:                  func() Payload { return &Promotion{} },
	TypeTaskFinished:               func() Payload { return &TaskFinished{} },
	TypeCanceled:                   func() Payload { return &Canceled{} },
	TypeForceFailed:                func() Payload { return &ForceFailed{} },
	TypeSystemFailure:              func() Payload { return &SystemFailure{} },
}

// Known reports whether t belongs to the vocabulary.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok
}

// Encode serializes a payload.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}
	return data, nil
}

// Decode restores the payload for tag t. Multi-tag payloads such as
// PhaseStarted are re-tagged from t.
func Decode(t Type, data []byte) (Payload, error) {
	ctor, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	p := ctor()
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	if ps, ok := p.(*PhaseStarted); ok && ps.Phase == "" {
		ps.Phase = phaseFromStartedType(t)
	}
	return p, nil
}

// TaskCreated is appended once when a task is accepted.
type TaskCreated struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	Reviewers int    `json:"reviewers"`
	Manual    bool   `json:"manual"`
}

func (*TaskCreated) Type() Type { return TypeTaskCreated }

// TaskStarted marks the single execution path admitted for a start.
type TaskStarted struct {
	Mode   string `json:"mode"`
	Resume bool   `json:"resume"`
}

func (*TaskStarted) Type() Type { return TypeTaskStarted }

// StartDeferred records an admission refusal.
type StartDeferred struct {
	Reason  string `json:"reason"`
	Running int    `json:"running"`
	Limit   int    `json:"limit"`
}

func (*StartDeferred) Type() Type { return TypeStartDeferred }

// ProposalReview records one evaluation of a proposal revision.
type ProposalReview struct {
	ProposalRound int              `json:"proposal_round"`
	Retry         int              `json:"retry"`
	Precheck      bool             `json:"precheck,omitempty"`
	Verdict       review.Verdict   `json:"verdict"`
	Signature     string           `json:"signature,omitempty"`
	Outcomes      []review.Outcome `json:"outcomes"`
}

func (*ProposalReview) Type() Type { return TypeProposalReview }

// StalledInRound is emitted when retries inside one proposal round exceed the cap.
type StalledInRound struct {
	ProposalRound int    `json:"proposal_round"`
	Retries       int    `json:"retries"`
	ArtifactPath  string `json:"artifact_path,omitempty"`
}

func (*StalledInRound) Type() Type { return TypeStalledInRound }

// StalledAcrossRounds is emitted when one blocker signature keeps recurring.
type StalledAcrossRounds struct {
	ProposalRound int    `json:"proposal_round"`
	Signature     string `json:"signature"`
	Repeats       int    `json:"repeats"`
}

func (*StalledAcrossRounds) Type() Type { return TypeStalledAcrossRounds }

// AuthorConfirmationRequired parks an agreed proposal for human approval.
type AuthorConfirmationRequired struct {
	ProposalRound int    `json:"proposal_round"`
	Proposal      string `json:"proposal,omitempty"`
}

func (*AuthorConfirmationRequired) Type() Type { return TypeAuthorConfirmationRequired }

// AuthorDecision records an operator's verdict on a parked task.
type AuthorDecision struct {
	Decision  string `json:"decision"`
	Note      string `json:"note,omitempty"`
	AutoStart bool   `json:"auto_start"`
}

func (*AuthorDecision) Type() Type { return TypeAuthorDecision }

// RoundStarted opens a round.
type RoundStarted struct {
	HeadSHA      string `json:"head_sha,omitempty"`
	RepairMode   string `json:"repair_mode"`
	StrategyHint string `json:"strategy_hint,omitempty"`
}

func (*RoundStarted) Type() Type { return TypeRoundStarted }

// PhaseStarted opens the discussion, implementation or review phase.
type PhaseStarted struct {
	Phase        string   `json:"phase"`
	Participants []string `json:"participants"`
}

// Type derives the tag from the phase.
func (p *PhaseStarted) Type() Type {
	switch p.Phase {
	case "implementation":
		return TypeImplementationStarted
	case "review":
		return TypeReviewStarted
	}
	return TypeDiscussionStarted
}

func phaseFromStartedType(t Type) string {
	switch t {
	case TypeImplementationStarted:
		return "implementation"
	case TypeReviewStarted:
		return "review"
	}
	return "discussion"
}

// PhaseCompleted records one participant invocation's outcome.
type PhaseCompleted struct {
	Phase       string `json:"phase"`
	Participant string `json:"participant"`
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Output      string `json:"output,omitempty"`
}

func (*PhaseCompleted) Type() Type { return TypePhaseCompleted }

// ParticipantOutput carries one streamed chunk.
type ParticipantOutput struct {
	Phase       string `json:"phase"`
	Participant string `json:"participant"`
	Chunk       int    `json:"chunk"`
	Text        string `json:"text"`
}

func (*ParticipantOutput) Type() Type { return TypeParticipantOutput }

// ReviewerDowngraded records a reviewer whose runtime failed.
type ReviewerDowngraded struct {
	Phase    string `json:"phase"`
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

func (*ReviewerDowngraded) Type() Type { return TypeReviewerDowngraded }

// ReviewVerdict aggregates the review phase.
type ReviewVerdict struct {
	Verdict  review.Verdict   `json:"verdict"`
	Outcomes []review.Outcome `json:"outcomes"`
}

func (*ReviewVerdict) Type() Type { return TypeReviewVerdict }

// CommandResult is one verification command's outcome.
type CommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// Verification records the verification phase.
type Verification struct {
	Passed       bool            `json:"passed"`
	EvidencePath string          `json:"evidence_path,omitempty"`
	Commands     []CommandResult `json:"commands"`
}

func (*Verification) Type() Type { return TypeVerification }

// PrecompletionChecklist records the check that must pass before a gate may.
type PrecompletionChecklist struct {
	CommandsConfigured bool   `json:"commands_configured"`
	EvidencePresent    bool   `json:"evidence_present"`
	Passed             bool   `json:"passed"`
	Reason             string `json:"reason,omitempty"`
}

func (*PrecompletionChecklist) Type() Type { return TypePrecompletionChecklist }

// GatePassed closes a successful round.
type GatePassed struct {
	EvidencePath string `json:"evidence_path"`
}

func (*GatePassed) Type() Type { return TypeGatePassed }

// GateFailed closes an unsuccessful round.
type GateFailed struct {
	Reason string `json:"reason"`
}

func (*GateFailed) Type() Type { return TypeGateFailed }

// StrategyShifted records a repeated round signature and the response to it.
type StrategyShifted struct {
	Signature  string `json:"signature"`
	Shifts     int    `json:"shifts"`
	RepairMode string `json:"repair_mode"`
	Hint       string `json:"hint"`
}

func (*StrategyShifted) Type() Type { return TypeStrategyShifted }

// Promotion records a merge attempt.
type Promotion struct {
	Status      string   `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	Target      string   `json:"target"`
	Changed     []string `json:"changed,omitempty"`
	Deleted     []string `json:"deleted,omitempty"`
	SummaryPath string   `json:"summary_path,omitempty"`
}

func (*Promotion) Type() Type { return TypePromotion }

// TaskFinished records the status a run ended in.
type TaskFinished struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	RoundsCompleted int    `json:"rounds_completed"`
}

func (*TaskFinished) Type() Type { return TypeTaskFinished }

// Canceled records a honoured cancellation.
type Canceled struct {
	Boundary string `json:"boundary"`
}

func (*Canceled) Type() Type { return TypeCanceled }

// ForceFailed records an operator force-fail.
type ForceFailed struct {
	Reason     string `json:"reason"`
	FromStatus string `json:"from_status"`
}

func (*ForceFailed) Type() Type { return TypeForceFailed }

// SystemFailure records an unrecoverable error.
type SystemFailure struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

func (*SystemFailure) Type() Type { return TypeSystemFailure }
