// Package sandbox isolates participant work in filtered copies of a workspace
// and promotes approved results back under a guard.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/ignore"
	"github.com/cloveric/awe-agentforge-sub000/internal/secrets"
)

const (
	dirMode  = 0o755
	fileMode = 0o644

	// Files larger than this are copied without a secret scan.
	maxScanBytes = 1 << 20

	manifestFileName = "sandbox-manifest.json"
	snapshotDirName  = "snapshot"
)

// Record describes a task's sandbox.
type Record struct {
	Path          string   `json:"path"`
	Generated     bool     `json:"generated"`
	CleanupOnPass bool     `json:"cleanup_on_pass"`
	Fingerprint   string   `json:"fingerprint"`
	BaseManifest  Manifest `json:"-"`
	Withheld      []string `json:"withheld,omitempty"`
}

// Manager creates, fingerprints, snapshots and promotes sandboxes.
type Manager struct {
	sandboxRoot   string
	artifactsRoot string
	parser        *ignore.Parser
	excludes      []string
	detector      *secrets.Detector
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDetector withholds files that contain secrets from generated sandboxes.
func WithDetector(d *secrets.Detector) Option {
	return func(m *Manager) { m.detector = d }
}

// WithExcludes adds gitignore-style patterns applied to every workspace.
func WithExcludes(patterns ...string) Option {
	return func(m *Manager) { m.excludes = append(m.excludes, patterns...) }
}

// WithIgnoreFiles sets the root-level ignore files read besides .gitignore.
func WithIgnoreFiles(names ...string) Option {
	return func(m *Manager) { m.parser.IgnoreFiles = names }
}

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager that places generated sandboxes under
// sandboxRoot and writes manifests, snapshots and promotion records under
// artifactsRoot.
func NewManager(sandboxRoot, artifactsRoot string, opts ...Option) *Manager {
	m := &Manager{
		sandboxRoot:   sandboxRoot,
		artifactsRoot: artifactsRoot,
		parser:        ignore.NewParser([]string{".agentforgeignore"}, ignore.DefaultExcludes),
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("sandbox")
	return m
}

// ManifestPath is where a task's base manifest is stored.
func (m *Manager) ManifestPath(taskID string) string {
	return filepath.Join(m.artifactsRoot, taskID, manifestFileName)
}

// SnapshotPath is where a round's snapshot is stored.
func (m *Manager) SnapshotPath(taskID string, round int) string {
	return filepath.Join(evidence.RoundDir(m.artifactsRoot, taskID, round), snapshotDirName)
}

func (m *Manager) matcher(root string, extra []string) (*ignore.Matcher, error) {
	patterns := append(append([]string{}, m.excludes...), extra...)
	matcher, err := m.parser.Build(root, patterns...)
	if err != nil {
		return nil, fmt.Errorf("build ignore matcher: %w", err)
	}
	return matcher, nil
}

// Manifest hashes every non-excluded file under root.
func (m *Manager) Manifest(root string, extra ...string) (Manifest, error) {
	matcher, err := m.matcher(root, extra)
	if err != nil {
		return nil, err
	}
	return buildManifest(root, matcher)
}

// Fingerprint digests the non-excluded content of workspace.
func (m *Manager) Fingerprint(workspace string, extra ...string) (string, error) {
	man, err := m.Manifest(workspace, extra...)
	if err != nil {
		return "", err
	}
	return man.Fingerprint(), nil
}

// VerifyResume recomputes the workspace fingerprint and fails with
// ErrResumeGuardMismatch when it differs from expected.
func (m *Manager) VerifyResume(workspace, expected string, extra ...string) error {
	got, err := m.Fingerprint(workspace, extra...)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: recorded %s, now %s", ErrResumeGuardMismatch, expected, got)
	}
	return nil
}

// Create copies workspace into a fresh directory under the sandbox root,
// skipping excluded and secret-bearing files, and records the base manifest.
func (m *Manager) Create(ctx context.Context, taskID, workspace string, extra ...string) (*Record, error) {
	matcher, err := m.matcher(workspace, extra)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(m.sandboxRoot, fmt.Sprintf("%s-%s", taskID, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	rec := &Record{Path: dir, Generated: true, CleanupOnPass: true, BaseManifest: Manifest{}}
	source := Manifest{}
	err = walkFiles(workspace, matcher, func(rel, path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum, withheld, err := m.copyFile(path, filepath.Join(dir, filepath.FromSlash(rel)), rel, info)
		if err != nil {
			return err
		}
		source[rel] = sum
		if withheld {
			rec.Withheld = append(rec.Withheld, rel)
			return nil
		}
		rec.BaseManifest[rel] = sum
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("populate sandbox: %w", err)
	}

	rec.Fingerprint = source.Fingerprint()
	if err := SaveManifest(m.ManifestPath(taskID), rec.BaseManifest); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("save sandbox manifest: %w", err)
	}
	m.logger.Info("sandbox created",
		zap.String("task.id", taskID),
		zap.String("path", dir),
		zap.Int("files", len(rec.BaseManifest)),
		zap.Int("withheld", len(rec.Withheld)),
	)
	return rec, nil
}

// Adopt registers an operator-supplied sandbox. It is never deleted by the
// manager.
func (m *Manager) Adopt(_ context.Context, taskID, sandboxPath, workspace string, extra ...string) (*Record, error) {
	info, err := os.Stat(sandboxPath)
	if err != nil {
		return nil, fmt.Errorf("stat sandbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox path %s is not a directory", sandboxPath)
	}
	base, err := m.Manifest(sandboxPath, extra...)
	if err != nil {
		return nil, err
	}
	fp, err := m.Fingerprint(workspace, extra...)
	if err != nil {
		return nil, err
	}
	if err := SaveManifest(m.ManifestPath(taskID), base); err != nil {
		return nil, fmt.Errorf("save sandbox manifest: %w", err)
	}
	return &Record{Path: sandboxPath, Fingerprint: fp, BaseManifest: base}, nil
}

// Snapshot copies the current sandbox content into the round's artifact
// directory so that the round can be promoted later.
func (m *Manager) Snapshot(ctx context.Context, taskID string, round int, sandboxPath string, extra ...string) (string, error) {
	matcher, err := m.matcher(sandboxPath, extra)
	if err != nil {
		return "", err
	}
	dest := m.SnapshotPath(taskID, round)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("reset snapshot dir: %w", err)
	}
	err = walkFiles(sandboxPath, matcher, func(rel, path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return copyPlain(path, filepath.Join(dest, filepath.FromSlash(rel)), info.Mode().Perm())
	})
	if err != nil {
		return "", fmt.Errorf("snapshot round %d: %w", round, err)
	}
	return dest, nil
}

// Remove deletes a generated sandbox. Operator-supplied sandboxes and paths
// outside the sandbox root are left alone.
func (m *Manager) Remove(rec *Record) error {
	if rec == nil || !rec.Generated {
		return nil
	}
	root, err := filepath.Abs(m.sandboxRoot)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(rec.Path)
	if err != nil {
		return err
	}
	if !within(root, path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, rec.Path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove sandbox: %w", err)
	}
	m.logger.Info("sandbox removed", zap.String("path", path))
	return nil
}

// copyFile copies src to dst unless the detector flags it. It returns the
// source digest either way.
func (m *Manager) copyFile(src, dst, rel string, info fs.FileInfo) (string, bool, error) {
	if m.detector != nil && info.Size() <= maxScanBytes {
		data, err := os.ReadFile(src)
		if err != nil {
			return "", false, err
		}
		sum := hashBytes(data)
		if m.detector.ContainsSecret(rel, data) {
			m.logger.Warn("withholding file with secrets from sandbox", zap.String("file", rel))
			return sum, true, nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
			return "", false, err
		}
		return sum, false, os.WriteFile(dst, data, info.Mode().Perm())
	}
	if err := copyPlain(src, dst, info.Mode().Perm()); err != nil {
		return "", false, err
	}
	sum, err := hashFile(src)
	return sum, false, err
}

func copyPlain(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
