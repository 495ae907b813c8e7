package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// MockMemoryHooks is a mock implementation of MemoryHooks
type MockMemoryHooks struct {
	mock.Mock
}

func (m *MockMemoryHooks) Recall(ctx context.Context, t *task.Task, limit int) ([]Memory, error) {
	args := m.Called(ctx, t, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Memory), args.Error(1)
}

func (m *MockMemoryHooks) Persist(ctx context.Context, t *task.Task, res *RoundResult) error {
	args := m.Called(ctx, t, res)
	return args.Error(0)
}

// MockPhaseGate is a mock implementation of PhaseGate
type MockPhaseGate struct {
	mock.Mock
	name string
}

func (m *MockPhaseGate) Name() string { return m.name }

func (m *MockPhaseGate) Check(ctx context.Context, state *RoundState) ([]Violation, error) {
	args := m.Called(ctx, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Violation), args.Error(1)
}

func roundTask(t *testing.T, commands ...string) *task.Task {
	return &task.Task{
		ID:                   "t1",
		Title:                "Fix flaky upload test",
		Author:               participant.Ref{Provider: "claude", Alias: "a"},
		Reviewers:            []participant.Ref{{Provider: "codex", Alias: "r1"}, {Provider: "gemini", Alias: "r2"}},
		Status:               task.StatusRunning,
		MaxRounds:            3,
		WorkspacePath:        t.TempDir(),
		VerificationCommands: commands,
	}
}

// verdicts answers authors with fixed text and reviewers per alias.
func verdicts(byAlias map[string]participant.Result) *participant.Scripted {
	return participant.NewScripted(func(req participant.Request) participant.Result {
		if req.Role == participant.RoleAuthor {
			return participant.Succeeded(string(req.Phase) + " done")
		}
		if res, ok := byAlias[req.Participant.Alias]; ok {
			return res
		}
		return participant.Succeeded("VERDICT: NO_BLOCKER")
	})
}

type harness struct {
	log      *events.MemoryLog
	rec      *events.Recorder
	executor *Executor
}

func newHarness(t *testing.T, adapter participant.Adapter, opts ...Option) *harness {
	log := events.NewMemoryLog()
	return &harness{
		log:      log,
		rec:      events.NewRecorder(log, "t1", nil),
		executor: NewExecutor(DefaultConfig(), adapter, evidence.NewRunner(t.TempDir()), opts...),
	}
}

func (h *harness) types(t *testing.T) []events.Type {
	t.Helper()
	evs, err := h.log.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.NoError(t, events.CheckContiguous(evs))
	out := make([]events.Type, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestExecutor_Execute_Pass(t *testing.T) {
	h := newHarness(t, verdicts(nil))
	var progress []PhaseProgress
	h.executor.OnProgress(func(p PhaseProgress) { progress = append(progress, p) })

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1, HeadSHA: "abc"}, h.rec, nil)
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, task.ReasonGatePassed, res.GateReason)
	assert.True(t, evidence.Exists(res.EvidencePath))
	assert.Equal(t, "implementation done", res.ImplementationSummary)
	assert.Equal(t, review.NoBlocker, res.Review.Verdict)

	assert.Equal(t, []events.Type{
		events.TypeRoundStarted,
		events.TypeDiscussionStarted,
		events.TypePhaseCompleted,
		events.TypeImplementationStarted,
		events.TypePhaseCompleted,
		events.TypeReviewStarted,
		events.TypePhaseCompleted,
		events.TypePhaseCompleted,
		events.TypeReviewVerdict,
		events.TypeVerification,
		events.TypePrecompletionChecklist,
		events.TypeGatePassed,
	}, h.types(t))

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, task.PhaseGate, last.Phase)
	assert.Equal(t, 100, last.Percentage)
}

func TestExecutor_Execute_PrecompletionOverridesReviewers(t *testing.T) {
	h := newHarness(t, verdicts(nil))

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t), Number: 1}, h.rec, nil)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, task.ReasonPrecompletionCommands, res.GateReason)
	assert.Equal(t, review.NoBlocker, res.Review.Verdict, "reviewers were satisfied")

	evs, err := h.log.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	e, ok := events.Last(evs, events.TypePrecompletionChecklist)
	require.True(t, ok)
	cl := e.Payload.(*events.PrecompletionChecklist)
	assert.False(t, cl.CommandsConfigured)
	assert.False(t, cl.Passed)
	assert.Equal(t, task.ReasonPrecompletionCommands, cl.Reason)
	assert.Equal(t, 0, events.Count(evs, events.TypeVerification))
}

func TestExecutor_Execute_GateReasons(t *testing.T) {
	tests := []struct {
		name      string
		commands  []string
		reviewers map[string]participant.Result
		want      string
	}{
		{
			name:     "verification failed",
			commands: []string{"true", "false"},
			want:     task.ReasonVerificationFailed,
		},
		{
			name:      "review blocker",
			commands:  []string{"true"},
			reviewers: map[string]participant.Result{"r1": participant.Succeeded("VERDICT: BLOCKER\nISSUE: race on map")},
			want:      task.ReasonReviewBlocker,
		},
		{
			name:      "review unclear",
			commands:  []string{"true"},
			reviewers: map[string]participant.Result{"r2": participant.Succeeded("hmm, hard to say")},
			want:      task.ReasonReviewUnclear,
		},
		{
			name:     "all reviewers down",
			commands: []string{"true"},
			reviewers: map[string]participant.Result{
				"r1": participant.Failed(participant.ReasonCommandNotFound, "codex"),
				"r2": participant.Failed(participant.ReasonProviderLimit, "429"),
			},
			want: task.ReasonReviewUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, verdicts(tt.reviewers))
			res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, tt.commands...), Number: 2}, h.rec, nil)
			require.NoError(t, err)
			assert.False(t, res.Passed)
			assert.Equal(t, tt.want, res.GateReason)

			types := h.types(t)
			assert.Equal(t, events.TypeGateFailed, types[len(types)-1])
		})
	}
}

func TestExecutor_Execute_AuthorFailureIsHardGate(t *testing.T) {
	adapter := participant.NewScripted(func(req participant.Request) participant.Result {
		if req.Role == participant.RoleAuthor && req.Phase == string(task.PhaseImplementation) {
			return participant.Failed(participant.ReasonCommandTimeout, "deadline exceeded")
		}
		if req.Role == participant.RoleAuthor {
			return participant.Succeeded("plan")
		}
		return participant.Succeeded("VERDICT: NO_BLOCKER")
	})
	h := newHarness(t, adapter)

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, "implementation_command_timeout", res.GateReason)
	assert.Empty(t, adapter.CallsFor(string(task.PhaseReview)), "review must not run after a hard gate")
	assert.Empty(t, res.EvidencePath)

	types := h.types(t)
	assert.Equal(t, events.TypeGateFailed, types[len(types)-1])
	assert.NotContains(t, types, events.TypeReviewStarted)
}

func TestExecutor_Execute_ReviewerDowngradeDoesNotStopRound(t *testing.T) {
	h := newHarness(t, verdicts(map[string]participant.Result{
		"r2": participant.Failed(participant.ReasonNonzeroExit, "exit 2"),
	}))

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	evs, err := h.log.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	e, ok := events.Last(evs, events.TypeReviewerDowngraded)
	require.True(t, ok)
	d := e.Payload.(*events.ReviewerDowngraded)
	assert.Equal(t, "gemini#r2", d.Reviewer)
	assert.Equal(t, "nonzero_exit", d.Reason)
	assert.Equal(t, 1, e.Round)
}

func TestExecutor_Execute_CancelAtBoundary(t *testing.T) {
	adapter := verdicts(nil)
	h := newHarness(t, adapter)

	var mu sync.Mutex
	cancelNow := false
	h.executor.OnProgress(func(p PhaseProgress) {
		if p.Phase == task.PhaseImplementation && p.Status == StatusCompleted {
			mu.Lock()
			cancelNow = true
			mu.Unlock()
		}
	})
	check := func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		return cancelNow
	}

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, check)
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Equal(t, task.PhaseReview, res.Boundary)
	assert.False(t, res.Passed)
	assert.Empty(t, adapter.CallsFor(string(task.PhaseReview)))
}

func TestExecutor_Execute_HintAndProposalReachPrompts(t *testing.T) {
	adapter := verdicts(nil)
	h := newHarness(t, adapter)

	tk := roundTask(t, "true")
	tk.RepairMode = task.RepairStructural
	_, err := h.executor.Execute(context.Background(), RoundInput{
		Task:     tk,
		Number:   3,
		Proposal: "split the uploader",
		Hint:     "try a different approach to retries",
	}, h.rec, nil)
	require.NoError(t, err)

	calls := adapter.CallsFor(string(task.PhaseDiscussion))
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "try a different approach to retries")
	assert.Contains(t, calls[0].Prompt, "split the uploader")
	assert.Contains(t, calls[0].Prompt, `"structural"`)

	impl := adapter.CallsFor(string(task.PhaseImplementation))
	require.Len(t, impl, 1)
	assert.Contains(t, impl[0].Prompt, "discussion done")
	assert.Equal(t, tk.WorkDir(), impl[0].WorkDir)
	assert.Equal(t, DefaultImplementationTimeout, impl[0].Timeout)

	evs, err := h.log.List(context.Background(), "t1", 0)
	require.NoError(t, err)
	e, ok := events.Last(evs, events.TypeRoundStarted)
	require.True(t, ok)
	assert.Equal(t, "try a different approach to retries", e.Payload.(*events.RoundStarted).StrategyHint)
	assert.Equal(t, "structural", e.Payload.(*events.RoundStarted).RepairMode)
}

func TestExecutor_Execute_MemoryHooks(t *testing.T) {
	hooks := &MockMemoryHooks{}
	hooks.On("Recall", mock.Anything, mock.Anything, 5).
		Return([]Memory{{ID: "m1", Content: "uploads need idempotency keys"}}, nil)
	hooks.On("Persist", mock.Anything, mock.Anything, mock.MatchedBy(func(r *RoundResult) bool {
		return r.Passed && r.Number == 1
	})).Return(errors.New("memory service down"))

	adapter := verdicts(nil)
	h := newHarness(t, adapter, WithMemory(hooks))

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err, "memory failures never fail a round")
	assert.True(t, res.Passed)

	calls := adapter.CallsFor(string(task.PhaseDiscussion))
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "uploads need idempotency keys")
	hooks.AssertExpectations(t)
}

func TestExecutor_Execute_RecallFailureIsIgnored(t *testing.T) {
	hooks := &MockMemoryHooks{}
	hooks.On("Recall", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))
	hooks.On("Persist", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h := newHarness(t, verdicts(nil), WithMemory(hooks))
	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	hooks.AssertExpectations(t)
}

func TestExecutor_Execute_GateErrorIsSystemFailure(t *testing.T) {
	gate := &MockPhaseGate{name: "broken"}
	gate.On("Check", mock.Anything, mock.Anything).Return(nil, errors.New("disk gone"))

	h := newHarness(t, verdicts(nil), WithGates(gate))
	_, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate broken check failed")
}

func TestExecutor_RegisterGate(t *testing.T) {
	gate := &MockPhaseGate{name: "style"}
	gate.On("Check", mock.Anything, mock.Anything).Return([]Violation{
		{Type: "style_violation", Severity: SeverityWarning, Description: "long line"},
	}, nil)

	h := newHarness(t, verdicts(nil))
	h.executor.RegisterGate(gate)
	assert.Len(t, h.executor.gates, len(DefaultGates())+1)

	res, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed, "warnings do not fail a round")
	require.Len(t, res.Violations, 1)
	assert.True(t, strings.HasPrefix(describeViolations(res.Violations), "[style_violation]"))
	gate.AssertExpectations(t)
}

func TestExecutor_Execute_StreamsChunksToSink(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	sink := participant.Sink(func(phase string, who participant.Ref, c participant.Chunk) {
		mu.Lock()
		seen[phase+"/"+who.Alias]++
		mu.Unlock()
	})

	h := newHarness(t, verdicts(nil), WithSink(sink))
	_, err := h.executor.Execute(context.Background(), RoundInput{Task: roundTask(t, "true"), Number: 1}, h.rec, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, seen["discussion/a"])
	assert.Equal(t, 1, seen["implementation/a"])
	assert.Equal(t, 1, seen["review/r1"])
	assert.Equal(t, 1, seen["review/r2"])
}
