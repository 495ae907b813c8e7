package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
)

func validTask() *Task {
	return &Task{
		ID:            "t-1",
		Title:         "Fix flaky test",
		WorkspacePath: "/tmp/ws",
		Author:        participant.Ref{Provider: "claude", Alias: "author"},
		Reviewers:     []participant.Ref{{Provider: "codex", Alias: "r1"}},
		Status:        StatusQueued,
		MaxRounds:     1,
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusPassed, false},
		{StatusRunning, StatusWaitingManual, true},
		{StatusRunning, StatusPassed, true},
		{StatusRunning, StatusFailedGate, true},
		{StatusRunning, StatusQueued, false},
		{StatusWaitingManual, StatusQueued, true},
		{StatusWaitingManual, StatusCanceled, true},
		{StatusWaitingManual, StatusRunning, false},
		{StatusPassed, StatusQueued, false},
		{StatusCanceled, StatusRunning, false},
		{Status("bogus"), StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatus_TerminalHaveNoEdges(t *testing.T) {
	for s, edges := range ValidTransitions {
		if s.IsTerminal() {
			assert.Empty(t, edges, "terminal %s must have no outgoing edges", s)
		} else {
			assert.NotEmpty(t, edges, "non-terminal %s must have outgoing edges", s)
			assert.True(t, s.CanTransitionTo(StatusFailedSystem), "%s must allow force-fail", s)
		}
	}
}

func TestTask_Transition(t *testing.T) {
	tk := validTask()
	now := time.Now()
	require.NoError(t, tk.Transition(StatusRunning, now))
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, now, tk.UpdatedAt)

	err := tk.Transition(StatusQueued, now)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRunning, tk.Status)
}

func TestTask_Validate(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*Task)
		want   error
	}{
		{"valid", func(*Task) {}, nil},
		{"empty title", func(t *Task) { t.Title = " " }, ErrEmptyTitle},
		{"empty workspace", func(t *Task) { t.WorkspacePath = "" }, ErrEmptyWorkspace},
		{"no author", func(t *Task) { t.Author = participant.Ref{} }, ErrMissingAuthor},
		{"no reviewers", func(t *Task) { t.Reviewers = nil }, ErrNoReviewers},
		{"reviewer is author", func(t *Task) { t.Reviewers = append(t.Reviewers, t.Author) }, ErrReviewerIsAuthor},
		{"duplicate reviewer", func(t *Task) { t.Reviewers = append(t.Reviewers, t.Reviewers[0]) }, ErrDuplicateReviewer},
		{"zero rounds", func(t *Task) { t.MaxRounds = 0 }, ErrInvalidMaxRounds},
		{"bad repair mode", func(t *Task) { t.RepairMode = "wild" }, ErrInvalidRepairMode},
		{"past deadline", func(t *Task) { t.EvolveUntil = &past }, ErrInvalidEvolveUntil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tt.mutate(tk)
			err := tk.Validate(now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTask_BudgetExhausted(t *testing.T) {
	now := time.Now()
	tk := validTask()
	tk.MaxRounds = 2
	tk.RoundsCompleted = 1
	assert.False(t, tk.BudgetExhausted(now))
	tk.RoundsCompleted = 2
	assert.True(t, tk.BudgetExhausted(now))

	// A deadline supersedes max rounds.
	future := now.Add(time.Minute)
	tk.EvolveUntil = &future
	tk.RoundsCompleted = 10
	assert.False(t, tk.BudgetExhausted(now))
	assert.True(t, tk.BudgetExhausted(future))
}

func TestTask_CloneIsDeep(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	tk := validTask()
	tk.EvolveUntil = &deadline
	tk.PhaseTimeouts = map[Phase]int{PhaseReview: 30}
	tk.VerificationCommands = []string{"go test ./..."}

	c := tk.Clone()
	c.Reviewers[0].Alias = "changed"
	c.PhaseTimeouts[PhaseReview] = 99
	c.VerificationCommands[0] = "true"
	*c.EvolveUntil = deadline.Add(time.Hour)

	assert.Equal(t, "r1", tk.Reviewers[0].Alias)
	assert.Equal(t, 30, tk.PhaseTimeouts[PhaseReview])
	assert.Equal(t, "go test ./...", tk.VerificationCommands[0])
	assert.Equal(t, deadline, *tk.EvolveUntil)
}

func TestTask_Helpers(t *testing.T) {
	tk := validTask()
	assert.Equal(t, "/tmp/ws", tk.WorkDir())
	assert.Equal(t, "/tmp/ws", tk.MergeTarget())
	assert.True(t, tk.ManualMode())

	tk.SandboxMode = true
	tk.SandboxWorkspacePath = "/tmp/sb"
	tk.MergeTargetPath = "/tmp/target"
	assert.Equal(t, "/tmp/sb", tk.WorkDir())
	assert.Equal(t, "/tmp/target", tk.MergeTarget())

	tk.PhaseTimeouts = map[Phase]int{PhaseReview: 5}
	assert.Equal(t, 5*time.Second, tk.PhaseTimeout(PhaseReview, time.Minute))
	assert.Equal(t, time.Minute, tk.PhaseTimeout(PhaseGate, time.Minute))

	assert.False(t, tk.SnapshotsEnabled())
	tk.MaxRounds = 3
	assert.True(t, tk.SnapshotsEnabled())
	tk.AutoMerge = true
	assert.False(t, tk.SnapshotsEnabled())

	assert.Equal(t, "implementation_command_timeout", PhaseFailureReason(PhaseImplementation, "command_timeout"))
}

func TestRepairMode_Escalate(t *testing.T) {
	assert.Equal(t, RepairBalanced, RepairMinimal.Escalate())
	assert.Equal(t, RepairStructural, RepairBalanced.Escalate())
	assert.Equal(t, RepairStructural, RepairStructural.Escalate())
	assert.Equal(t, RepairBalanced, RepairMode("").Escalate())
}
