package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// stateWithEvidence runs commands through a real runner so the gate sees a
// bundle on disk.
func stateWithEvidence(t *testing.T, commands ...string) *RoundState {
	t.Helper()
	tk := &task.Task{ID: "t1", VerificationCommands: commands}
	state := NewRoundState(tk, 1)
	if len(commands) == 0 {
		return state
	}
	runner := evidence.NewRunner(t.TempDir())
	b, path, err := runner.Run(context.Background(), "t1", 1, t.TempDir(), commands, 10*time.Second)
	require.NoError(t, err)
	state.Bundle, state.EvidencePath = b, path
	return state
}

func TestPrecompletionGate(t *testing.T) {
	gate := NewPrecompletionGate()
	assert.Equal(t, "precompletion-gate", gate.Name())
	ctx := context.Background()

	t.Run("commands missing", func(t *testing.T) {
		state := stateWithEvidence(t)
		state.Review = review.Summary{Verdict: review.NoBlocker}
		violations, err := gate.Check(ctx, state)
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, ViolationCommandsMissing, violations[0].Type)
		assert.Equal(t, SeverityError, violations[0].Severity)
	})

	t.Run("evidence missing", func(t *testing.T) {
		state := NewRoundState(&task.Task{VerificationCommands: []string{"go test ./..."}}, 1)
		state.EvidencePath = "/nonexistent/evidence.json"
		violations, err := gate.Check(ctx, state)
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, ViolationEvidenceMissing, violations[0].Type)
	})

	t.Run("satisfied", func(t *testing.T) {
		violations, err := gate.Check(ctx, stateWithEvidence(t, "true"))
		require.NoError(t, err)
		assert.Empty(t, violations)
	})
}

func TestVerificationGate(t *testing.T) {
	gate := NewVerificationGate()
	assert.Equal(t, "verification-gate", gate.Name())
	ctx := context.Background()

	t.Run("no bundle is left to precompletion", func(t *testing.T) {
		violations, err := gate.Check(ctx, NewRoundState(&task.Task{}, 1))
		require.NoError(t, err)
		assert.Empty(t, violations)
	})

	t.Run("failing command", func(t *testing.T) {
		violations, err := gate.Check(ctx, stateWithEvidence(t, "true", "exit 3"))
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, ViolationVerificationFailed, violations[0].Type)
		assert.Contains(t, violations[0].Description, "exit 3")
	})

	t.Run("help output", func(t *testing.T) {
		state := stateWithEvidence(t, `printf 'Usage: tool [flags]\n\nOptions:\n  -h, --help  show help\n'`)
		violations, err := gate.Check(ctx, state)
		require.NoError(t, err)
		require.Len(t, violations, 1)
		assert.Equal(t, ViolationHelpAsVerification, violations[0].Type)
		assert.Equal(t, SeverityCritical, violations[0].Severity)
	})

	t.Run("real test output", func(t *testing.T) {
		state := stateWithEvidence(t, `echo "ok  	example.com/pkg	0.012s"`)
		violations, err := gate.Check(ctx, state)
		require.NoError(t, err)
		assert.Empty(t, violations)
	})
}

func TestReviewGate(t *testing.T) {
	gate := NewReviewGate()
	assert.Equal(t, "review-gate", gate.Name())

	tests := []struct {
		name    string
		summary review.Summary
		want    ViolationType
	}{
		{name: "no blocker", summary: review.Summary{Verdict: review.NoBlocker}},
		{
			name: "blocker",
			summary: review.Summary{Verdict: review.Blocker, Outcomes: []review.Outcome{
				{Verdict: review.Blocker, Issue: "nil map write"},
			}},
			want: ViolationReviewBlocker,
		},
		{name: "unclear", summary: review.Summary{Verdict: review.Unclear}, want: ViolationReviewUnclear},
		{name: "all reviewers down", summary: review.Summary{Verdict: review.Unknown}, want: ViolationReviewUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewRoundState(&task.Task{}, 1)
			state.Review = tt.summary
			violations, err := gate.Check(context.Background(), state)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Empty(t, violations)
				return
			}
			require.Len(t, violations, 1)
			assert.Equal(t, tt.want, violations[0].Type)
			assert.Equal(t, task.PhaseReview, violations[0].Phase)
		})
	}
}

func TestBlockingViolation(t *testing.T) {
	_, ok := blockingViolation([]Violation{{Type: "x", Severity: SeverityWarning}})
	assert.False(t, ok)

	v, ok := blockingViolation([]Violation{
		{Type: "warn", Severity: SeverityWarning},
		{Type: ViolationEvidenceMissing, Severity: SeverityError},
		{Type: ViolationReviewBlocker, Severity: SeverityError},
	})
	require.True(t, ok)
	assert.Equal(t, ViolationEvidenceMissing, v.Type)
}

func TestIsHelpOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"empty", "", false},
		{"usage with options", "Usage: go test [flags]\nOptions:\n  -v verbose", true},
		{"single indicator", "usage: nothing else here", false},
		{"go test pass", "--- PASS: TestFoo (0.00s)\nPASS\nok  \tpkg\t0.012s", false},
		{"jest summary", "Test Suites: 3 passed, 3 total\nUsage: ignored\nOptions:", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isHelpOutput(tt.output))
		})
	}
}
