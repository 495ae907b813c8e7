//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/secrets"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func startNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second), "NATS server not ready")
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}

// implementer writes feature.txt during implementation and approves
// everything else.
func implementer() *participant.Scripted {
	return participant.NewScripted(func(req participant.Request) participant.Result {
		if req.Role != participant.RoleAuthor {
			return participant.Succeeded("VERDICT: NO_BLOCKER")
		}
		if req.Phase == string(task.PhaseImplementation) {
			if err := os.WriteFile(filepath.Join(req.WorkDir, "feature.txt"), []byte("done\n"), 0o644); err != nil {
				return participant.Failed(participant.ReasonOther, err.Error())
			}
		}
		return participant.Succeeded(req.Phase + " done")
	})
}

func TestSandboxRun_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	dataDir := t.TempDir()
	dbPath := filepath.Join(dataDir, "agentforge.db")

	srv := startNATS(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("agentforge.events.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	base, err := store.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	st := store.WithEventLog(base, events.NewFanout(base.Events(), logger, events.NewNATSPublisher(nc, "")))

	det, err := secrets.NewDetector(&secrets.Allowlist{})
	require.NoError(t, err)
	sb := sandbox.NewManager(filepath.Join(dataDir, "sandboxes"), filepath.Join(dataDir, "artifacts"),
		sandbox.WithDetector(det), sandbox.WithLogger(logger))

	m := lifecycle.New(lifecycle.DefaultConfig(), st, implementer(),
		lifecycle.WithLogger(logger),
		lifecycle.WithSandbox(sb),
		lifecycle.WithRedactor(det),
		lifecycle.WithRunner(evidence.NewRunner(filepath.Join(dataDir, "evidence"))))

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "main.go"), []byte("package main\n"), 0o644))

	tk, err := m.Create(ctx, lifecycle.CreateRequest{
		Title:                "Add feature file",
		Author:               participant.Ref{Provider: "claude", Alias: "author"},
		Reviewers:            []participant.Ref{{Provider: "codex", Alias: "r1"}},
		SandboxMode:          true,
		SelfLoopMode:         true,
		AutoMerge:            true,
		MaxRounds:            1,
		WorkspacePath:        ws,
		VerificationCommands: []string{"test -f feature.txt"},
		AutoStart:            true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, tk.ID)
		return err == nil && got.Status == task.StatusPassed
	}, 15*time.Second, 20*time.Millisecond)
	m.Wait()
	require.NoError(t, m.Close())

	assert.FileExists(t, filepath.Join(ws, "feature.txt"))

	// Every appended event was also published.
	evs, err := st.Events().List(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.NoError(t, events.CheckContiguous(evs))
	require.NoError(t, nc.Flush())
	published := 0
	for {
		if _, err := sub.NextMsg(200 * time.Millisecond); err != nil {
			break
		}
		published++
	}
	assert.Equal(t, len(evs), published)
	require.NoError(t, base.Close())

	// State survives a restart.
	reopened, err := store.OpenSQLite(dbPath, logger)
	require.NoError(t, err)
	defer reopened.Close()
	m2 := lifecycle.New(lifecycle.DefaultConfig(), reopened, implementer(),
		lifecycle.WithRunner(evidence.NewRunner(filepath.Join(dataDir, "evidence"))))
	defer m2.Close()

	n, err := m2.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := m2.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPassed, got.Status)
	assert.Equal(t, task.MergeStatusMerged, got.MergeStatus)

	after, err := m2.Events(ctx, tk.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(evs))
	fin, ok := events.Last(after, events.TypeTaskFinished)
	require.True(t, ok)
	assert.Equal(t, string(task.StatusPassed), fin.Payload.(*events.TaskFinished).Status)
}
