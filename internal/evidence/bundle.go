// Package evidence runs verification commands and records the proof that they
// ran. A round's gate may not pass without a bundle on disk.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	bundleFileName = "evidence.json"
	fileMode       = 0o644
	dirMode        = 0o755
)

// Errors returned by Load.
var (
	ErrNoBundle      = errors.New("evidence bundle not found")
	ErrEmptyBundle   = errors.New("evidence bundle records no commands")
	ErrInvalidBundle = errors.New("evidence bundle is malformed")
)

// CommandResult is the outcome of one verification command.
type CommandResult struct {
	Command    string        `json:"command"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	OutputPath string        `json:"output_path"`
}

// Passed reports whether the command exited zero within its timeout.
func (r CommandResult) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut && r.Error == ""
}

// Bundle is the per-round proof that verification ran.
type Bundle struct {
	TaskID     string          `json:"task_id"`
	Round      int             `json:"round"`
	WorkDir    string          `json:"work_dir"`
	Commands   []CommandResult `json:"commands"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Passed reports whether every command passed. An empty bundle never passes.
func (b *Bundle) Passed() bool {
	if b == nil || len(b.Commands) == 0 {
		return false
	}
	for _, c := range b.Commands {
		if !c.Passed() {
			return false
		}
	}
	return true
}

// FailedCommands returns the commands that did not pass.
func (b *Bundle) FailedCommands() []CommandResult {
	var out []CommandResult
	for _, c := range b.Commands {
		if !c.Passed() {
			out = append(out, c)
		}
	}
	return out
}

// RoundDir is the artifact directory for one round.
func RoundDir(root, taskID string, round int) string {
	return filepath.Join(root, taskID, "rounds", strconv.Itoa(round))
}

// Path is where a round's bundle is stored.
func Path(root, taskID string, round int) string {
	return filepath.Join(RoundDir(root, taskID, round), bundleFileName)
}

// Load reads a bundle and checks that it records at least one command.
func Load(path string) (*Bundle, error) {
	if path == "" {
		return nil, ErrNoBundle
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoBundle, path)
		}
		return nil, fmt.Errorf("read evidence bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if len(b.Commands) == 0 {
		return nil, ErrEmptyBundle
	}
	return &b, nil
}

// Exists reports whether a valid bundle is stored at path.
func Exists(path string) bool {
	_, err := Load(path)
	return err == nil
}

// Runner executes verification commands through a shell.
type Runner struct {
	root   string
	shell  []string
	logger *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell overrides the shell used to run each command line.
func WithShell(shell ...string) RunnerOption {
	return func(r *Runner) {
		if len(shell) > 0 {
			r.shell = shell
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner that writes artifacts under root.
func NewRunner(root string, opts ...RunnerOption) *Runner {
	r := &Runner{
		root:   root,
		shell:  []string{"sh", "-c"},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("evidence")
	return r
}

// Root returns the artifact root.
func (r *Runner) Root() string {
	return r.root
}

// Run executes commands sequentially in workDir, each bounded by timeout, and
// persists the bundle. Every command runs even after a failure so the bundle
// is complete. The returned path is where the bundle was written.
func (r *Runner) Run(ctx context.Context, taskID string, round int, workDir string, commands []string, timeout time.Duration) (*Bundle, string, error) {
	if len(commands) == 0 {
		return nil, "", errors.New("no verification commands")
	}
	dir := RoundDir(r.root, taskID, round)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, "", fmt.Errorf("create round artifact dir: %w", err)
	}

	b := &Bundle{TaskID: taskID, Round: round, WorkDir: workDir, StartedAt: time.Now().UTC()}
	for i, line := range commands {
		res := r.runOne(ctx, dir, i, workDir, line, timeout)
		r.logger.Info("verification command finished",
			zap.String("task.id", taskID),
			zap.Int("round", round),
			zap.String("command", line),
			zap.Int("exit_code", res.ExitCode),
			zap.Bool("timed_out", res.TimedOut),
			zap.Duration("duration", res.Duration),
		)
		b.Commands = append(b.Commands, res)
	}
	b.FinishedAt = time.Now().UTC()

	path := filepath.Join(dir, bundleFileName)
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal evidence bundle: %w", err)
	}
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, "", fmt.Errorf("write evidence bundle: %w", err)
	}
	return b, path, nil
}

func (r *Runner) runOne(ctx context.Context, dir string, idx int, workDir, line string, timeout time.Duration) CommandResult {
	res := CommandResult{
		Command:    line,
		OutputPath: filepath.Join(dir, fmt.Sprintf("verify-%02d.log", idx+1)),
	}
	out, err := os.OpenFile(res.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		res.ExitCode = -1
		res.Error = fmt.Sprintf("open output: %v", err)
		return res
	}
	defer out.Close()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.shell[1:]...), line)
	cmd := exec.CommandContext(runCtx, r.shell[0], args...)
	cmd.Dir = workDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)

	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Error = strings.TrimSpace(err.Error())
	}
	return res
}
