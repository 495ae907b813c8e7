package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	api "github.com/cloveric/awe-agentforge-sub000/internal/http"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/logging"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func agreeable() *participant.Scripted {
	return participant.NewScripted(func(req participant.Request) participant.Result {
		if req.Role == participant.RoleAuthor {
			return participant.Succeeded(req.Phase + " done")
		}
		return participant.Succeeded("VERDICT: NO_BLOCKER")
	})
}

// startServer serves the real API over a lifecycle manager with scripted
// participants.
func startServer(t *testing.T) *lifecycle.Manager {
	t.Helper()
	m := lifecycle.New(lifecycle.DefaultConfig(), store.NewMemory(), agreeable(),
		lifecycle.WithRunner(evidence.NewRunner(t.TempDir())))
	t.Cleanup(func() { _ = m.Close() })

	srv, err := api.NewServer(m, logging.NewTestLogger().Logger, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	serverURL = ts.URL
	return m
}

// resetFlags restores every flag to its default between executions of the
// shared command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	url := serverURL
	resetFlags(rootCmd)
	serverURL = url

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--server", url))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func createTask(t *testing.T, extra ...string) *task.Task {
	t.Helper()
	args := append([]string{"task", "create", "--json",
		"--title", "Fix flaky upload test",
		"--author", "claude#author",
		"--reviewer", "codex#r1",
		"--reviewer", "gemini#r2",
		"--workspace", t.TempDir(),
		"--self-loop",
		"--verify", "true",
	}, extra...)
	out, err := execute(t, args...)
	require.NoError(t, err, out)

	var tk task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &tk), out)
	return &tk
}

func waitFor(t *testing.T, m *lifecycle.Manager, id string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), id)
		return err == nil && got.Status == want
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCLI_CreateShowList(t *testing.T) {
	startServer(t)
	tk := createTask(t, "--phase-timeout", "review=30")

	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, "claude#author", tk.Author.String())
	require.Len(t, tk.Reviewers, 2)
	assert.Equal(t, 30, tk.PhaseTimeouts[task.PhaseReview])

	out, err := execute(t, "task", "show", tk.ID)
	require.NoError(t, err)
	assert.Contains(t, out, tk.ID)
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "0/1")

	out, err = execute(t, "task", "list", "--status", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, tk.ID)

	out, err = execute(t, "task", "list", "--status", "passed")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks.")
}

func TestCLI_StartRunsAndEvents(t *testing.T) {
	m := startServer(t)
	tk := createTask(t)

	_, err := execute(t, "task", "start", tk.ID)
	require.NoError(t, err)
	waitFor(t, m, tk.ID, task.StatusPassed)
	m.Wait()

	out, err := execute(t, "task", "events", tk.ID, "--follow", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "task_created")
	assert.Contains(t, out, "task_finished")
	assert.Equal(t, 1, strings.Count(out, "SEQ"))

	out, err = execute(t, "task", "rounds", tk.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "ROUND")
	assert.Contains(t, out, "true")

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "passed")

	out, err = execute(t, "task", "delete", tk.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+tk.ID)

	_, err = execute(t, "task", "show", tk.ID)
	require.Error(t, err)
	assert.True(t, isStatus(err, http.StatusNotFound), err.Error())
}

func TestCLI_CancelAndFail(t *testing.T) {
	startServer(t)

	tk := createTask(t)
	out, err := execute(t, "task", "cancel", tk.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "canceled")

	tk = createTask(t)
	out, err = execute(t, "task", "fail", tk.ID, "--reason", "operator stop", "--json")
	require.NoError(t, err)
	var got task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, task.StatusFailedSystem, got.Status)

	_, err = execute(t, "task", "start", tk.ID)
	require.Error(t, err)
	assert.True(t, isStatus(err, http.StatusConflict), err.Error())
}

func TestCLI_DecideValidatesLocally(t *testing.T) {
	startServer(t)
	_, err := execute(t, "task", "decide", "some-id", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision must be")
}

func TestCLI_Health(t *testing.T) {
	startServer(t)
	out, err := execute(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server status: ok")
}

func TestCLI_Version(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestBuildCreateRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func()
		wantErr string
	}{
		{"bad author", func() { createFlags.author = "" }, "--author"},
		{"bad reviewer", func() { createFlags.reviewers = []string{"#alias"} }, "--reviewer"},
		{"bad deadline", func() { createFlags.evolveUntil = "tomorrow" }, "--evolve-until"},
		{"bad phase timeout", func() { createFlags.phaseTimeout = []string{"review"} }, "phase=seconds"},
		{"zero phase timeout", func() { createFlags.phaseTimeout = []string{"review=0"} }, "positive integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			saved := createFlags
			t.Cleanup(func() { createFlags = saved })
			createFlags.author = "claude"
			createFlags.reviewers = []string{"codex"}
			tt.mutate()

			_, err := buildCreateRequest()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildCreateRequest_EvolveUntil(t *testing.T) {
	saved := createFlags
	t.Cleanup(func() { createFlags = saved })
	createFlags.author = "claude#a"
	createFlags.evolveUntil = "2026-11-01T18:00:00Z"

	req, err := buildCreateRequest()
	require.NoError(t, err)
	require.NotNil(t, req.EvolveUntil)
	assert.Equal(t, 2026, req.EvolveUntil.Year())
	assert.Equal(t, "a", req.Author.Alias)
}

func TestAPIError(t *testing.T) {
	err := &apiError{Status: 409, Message: "promotion blocked", Reason: "head_changed"}
	assert.Equal(t, "server returned status 409: promotion blocked (head_changed)", err.Error())
	assert.True(t, isStatus(err, 409))
	assert.False(t, isStatus(err, 404))
}
