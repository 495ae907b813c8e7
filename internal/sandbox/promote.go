package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
)

// Guard is the target-side policy a promotion must satisfy.
type Guard struct {
	AllowedBranches []string
	RequireClean    bool
}

// PromoteRequest describes one promotion.
type PromoteRequest struct {
	TaskID string
	Round  int

	// Source is the sandbox or round snapshot being promoted.
	Source string
	Target string

	BaseManifest    Manifest
	ExpectedHeadSHA string
	EvidencePath    string
	Guard           Guard
	Excludes        []string
}

// PromoteResult lists what a successful promotion did.
type PromoteResult struct {
	TaskID        string    `json:"task_id"`
	Round         int       `json:"round"`
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Branch        string    `json:"branch,omitempty"`
	HeadSHA       string    `json:"head_sha,omitempty"`
	EvidencePath  string    `json:"evidence_path"`
	Changed       []string  `json:"changed"`
	Deleted       []string  `json:"deleted"`
	ChangelogPath string    `json:"changelog_path"`
	SummaryPath   string    `json:"summary_path"`
	PromotedAt    time.Time `json:"promoted_at"`
}

// CheckGuards runs the guards in order without touching the target: branch
// allow-list, clean worktree, head SHA, evidence. The first failure is
// returned as a *BlockedError.
func (m *Manager) CheckGuards(req PromoteRequest) (RepoState, error) {
	state, err := InspectRepo(req.Target)
	if err != nil {
		return RepoState{}, fmt.Errorf("inspect target: %w", err)
	}

	if len(req.Guard.AllowedBranches) > 0 {
		if !state.IsRepo {
			return state, blocked(ReasonBranchNotAllowed, "target %s is not a git repository", req.Target)
		}
		if !slices.Contains(req.Guard.AllowedBranches, state.Branch) {
			return state, blocked(ReasonBranchNotAllowed, "branch %q not in %v", state.Branch, req.Guard.AllowedBranches)
		}
	}
	if req.Guard.RequireClean && state.IsRepo && !state.Clean {
		return state, blocked(ReasonWorktreeNotClean, "target %s has uncommitted changes", req.Target)
	}
	if state.HeadSHA != req.ExpectedHeadSHA {
		return state, blocked(ReasonHeadSHAMismatch, "recorded %q, now %q", req.ExpectedHeadSHA, state.HeadSHA)
	}
	if _, err := evidence.Load(req.EvidencePath); err != nil {
		return state, blocked(ReasonEvidenceMissing, "round %d: %v", req.Round, err)
	}
	return state, nil
}

// Promote applies the source's changes relative to the base manifest to the
// target: changed and added files are copied, files removed from the source
// are deleted. A changelog entry and a JSON summary are written to the task's
// artifact directory. A guard failure returns *BlockedError and changes
// nothing.
func (m *Manager) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	state, err := m.CheckGuards(req)
	if err != nil {
		var be *BlockedError
		if errors.As(err, &be) {
			m.logger.Warn("promotion blocked",
				zap.String("task.id", req.TaskID),
				zap.Int("round", req.Round),
				zap.String("reason", be.Reason),
				zap.String("detail", be.Detail),
			)
		}
		return nil, err
	}

	current, err := m.Manifest(req.Source, req.Excludes...)
	if err != nil {
		return nil, err
	}
	changed, deleted := req.BaseManifest.Diff(current)

	// Stat every source first so that a vanished file fails before any write.
	for _, rel := range changed {
		if _, err := os.Stat(filepath.Join(req.Source, filepath.FromSlash(rel))); err != nil {
			return nil, fmt.Errorf("stat %s: %w", rel, err)
		}
	}

	for _, rel := range changed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(req.Source, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return nil, err
		}
		if err := copyPlain(src, filepath.Join(req.Target, filepath.FromSlash(rel)), info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("copy %s: %w", rel, err)
		}
	}
	for _, rel := range deleted {
		if err := os.Remove(filepath.Join(req.Target, filepath.FromSlash(rel))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("delete %s: %w", rel, err)
		}
	}

	res := &PromoteResult{
		TaskID:       req.TaskID,
		Round:        req.Round,
		Source:       req.Source,
		Target:       req.Target,
		Branch:       state.Branch,
		HeadSHA:      state.HeadSHA,
		EvidencePath: req.EvidencePath,
		Changed:      nonNil(changed),
		Deleted:      nonNil(deleted),
		PromotedAt:   m.now().UTC(),
	}
	if err := m.writeChangelog(res); err != nil {
		return nil, err
	}
	if err := m.writeSummary(res); err != nil {
		return nil, err
	}

	m.logger.Info("promotion applied",
		zap.String("task.id", req.TaskID),
		zap.Int("round", req.Round),
		zap.Int("changed", len(changed)),
		zap.Int("deleted", len(deleted)),
	)
	return res, nil
}

func (m *Manager) writeChangelog(res *PromoteResult) error {
	res.ChangelogPath = filepath.Join(m.artifactsRoot, res.TaskID, "CHANGELOG.md")
	if err := os.MkdirAll(filepath.Dir(res.ChangelogPath), dirMode); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s round %d -> %s\n\n", res.PromotedAt.Format(time.RFC3339), res.Round, res.Target)
	for _, p := range res.Changed {
		fmt.Fprintf(&b, "- updated `%s`\n", p)
	}
	for _, p := range res.Deleted {
		fmt.Fprintf(&b, "- deleted `%s`\n", p)
	}
	if len(res.Changed)+len(res.Deleted) == 0 {
		b.WriteString("- no file changes\n")
	}
	b.WriteString("\n")

	f, err := os.OpenFile(res.ChangelogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("append changelog: %w", err)
	}
	return f.Close()
}

func (m *Manager) writeSummary(res *PromoteResult) error {
	res.SummaryPath = filepath.Join(evidence.RoundDir(m.artifactsRoot, res.TaskID, res.Round), "promotion.json")
	if err := os.MkdirAll(filepath.Dir(res.SummaryPath), dirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(res.SummaryPath, data, fileMode); err != nil {
		return fmt.Errorf("write promotion summary: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
