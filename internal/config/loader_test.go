package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir so defaults never touch the real
// user's files.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(home, ".local", "share", "agentforge"), cfg.Store.DataDir)
	assert.Equal(t, filepath.Join(cfg.Store.DataDir, "agentforge.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(cfg.Store.DataDir, "sandboxes"), cfg.Sandbox.Root)
	assert.Equal(t, 4, cfg.Admission.MaxRunning)
	assert.Equal(t, 15*time.Second, cfg.Admission.SweepInterval.Duration())
	assert.Equal(t, 30*time.Minute, cfg.Phases.Implementation.Duration())
	assert.Equal(t, 10, cfg.Consensus.MaxRetriesPerRound)
	assert.Equal(t, 4, cfg.Consensus.MaxRepeatedSignature)
	assert.Equal(t, 2, cfg.Deadloop.MaxStrategyShifts)
	assert.True(t, cfg.Sandbox.ScanSecrets)
	assert.True(t, cfg.Promotion.RequireClean)
	assert.True(t, cfg.Events.StreamOutput)
	assert.Equal(t, "agentforge.events", cfg.Events.SubjectPrefix)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Memory.Endpoint)
	assert.Equal(t, 5, cfg.Memory.RecallLimit)
	assert.Empty(t, cfg.Participants)
}

func TestLoad_File(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, `
server:
  http_port: 9000
store:
  driver: memory
admission:
  max_running: 2
phases:
  review: 5m
sandbox:
  excludes: ["node_modules/", "*.log"]
  scan_secrets: false
promotion:
  allowed_branches: [main, release]
  require_clean: false
participants:
  claude:
    command: ["claude", "-p"]
    prompt_mode: stdin
    requests_per_second: 0.5
    burst: 2
  codex:
    command: ["codex", "exec", "{prompt}"]
    prompt_mode: arg
events:
  nats_url: nats://127.0.0.1:4222
  nats_token: s3cret
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Empty(t, cfg.Store.Path)
	assert.Equal(t, 2, cfg.Admission.MaxRunning)
	assert.Equal(t, 5*time.Minute, cfg.Phases.Review.Duration())
	assert.Equal(t, 10*time.Minute, cfg.Phases.Discussion.Duration(), "unset keys keep defaults")
	assert.Equal(t, []string{"node_modules/", "*.log"}, cfg.Sandbox.Excludes)
	assert.False(t, cfg.Sandbox.ScanSecrets)
	assert.Equal(t, []string{"main", "release"}, cfg.Promotion.AllowedBranches)
	assert.False(t, cfg.Promotion.RequireClean)
	assert.Equal(t, []string{"claude", "codex"}, cfg.Providers())
	assert.Equal(t, []string{"claude", "-p"}, cfg.Participants["claude"].Command)
	assert.InDelta(t, 0.5, cfg.Participants["claude"].RequestsPerSecond, 1e-9)
	assert.Equal(t, "arg", cfg.Participants["codex"].PromptMode)
	assert.Equal(t, "s3cret", cfg.Events.NATSToken.Value())
	assert.Equal(t, "[REDACTED]", cfg.Events.NATSToken.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	setupTestHome(t)
	path := writeConfig(t, "admission:\n  max_running: 2\n", 0o600)
	dataDir := t.TempDir()

	t.Setenv("AGENTFORGE_ADMISSION_MAX_RUNNING", "6")
	t.Setenv("AGENTFORGE_STORE_DATA_DIR", dataDir)
	t.Setenv("AGENTFORGE_EVENTS_NATS_URL", "nats://broker:4222")
	t.Setenv("AGENTFORGE_PHASES_VERIFICATION", "90s")
	t.Setenv("AGENTFORGE_EVENTS_STREAM_OUTPUT", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Admission.MaxRunning)
	assert.Equal(t, dataDir, cfg.Store.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "evidence"), cfg.Sandbox.EvidenceRoot)
	assert.Equal(t, "nats://broker:4222", cfg.Events.NATSURL)
	assert.Equal(t, 90*time.Second, cfg.Phases.Verification.Duration())
	assert.False(t, cfg.Events.StreamOutput)
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	setupTestHome(t)
	path := writeConfig(t, "server:\n  http_port: 9000\n", 0o644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsLargeFile(t *testing.T) {
	setupTestHome(t)
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	path := writeConfig(t, string(big), 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "server:\n  http_port: 70000\n", "invalid server port"},
		{"bad driver", "store:\n  driver: postgres\n", "unknown store driver"},
		{"zero admission", "admission:\n  max_running: 0\n", "max_running"},
		{"missing command", "participants:\n  claude:\n    prompt_mode: stdin\n", "command is required"},
		{"bad prompt mode", "participants:\n  claude:\n    command: [claude]\n    prompt_mode: pipe\n", "prompt_mode"},
		{"bad provider name", "participants:\n  Claude Code:\n    command: [claude]\n", "invalid participant provider name"},
		{"bad format", "logging:\n  format: xml\n", "logging format"},
		{"bad allow path", "sandbox:\n  secret_allow_paths: [\"(\"]\n", "invalid secret allow path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupTestHome(t)
			_, err := Load(writeConfig(t, tt.yaml, 0o600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "admission.max_running", envKey("AGENTFORGE_ADMISSION_MAX_RUNNING"))
	assert.Equal(t, "server.http_port", envKey("AGENTFORGE_SERVER_HTTP_PORT"))
	assert.Equal(t, "debug", envKey("AGENTFORGE_DEBUG"))
}
