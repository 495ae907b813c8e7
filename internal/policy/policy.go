// Package policy reads the per-workspace .agentforge.toml file.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
)

// FileName is the policy file looked up at the workspace root.
const FileName = ".agentforge.toml"

// ErrInvalidPolicy is returned when the policy file exists but cannot be used.
var ErrInvalidPolicy = errors.New("invalid workspace policy")

// Policy is what a workspace asks of every task run against it.
type Policy struct {
	Verification struct {
		Commands []string `toml:"commands"`
	} `toml:"verification"`

	Promotion struct {
		AllowedBranches []string `toml:"allowed_branches"`
		// RequireClean is a pointer so that an explicit false overrides the
		// deployment default.
		RequireClean *bool `toml:"require_clean"`
	} `toml:"promotion"`

	Sandbox struct {
		Exclude []string `toml:"exclude"`
	} `toml:"sandbox"`
}

// Load reads the policy for workspace. A missing file yields an empty policy.
func Load(workspace string) (*Policy, error) {
	p := &Policy{}
	if workspace == "" {
		return p, nil
	}
	path := filepath.Join(workspace, FileName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}

	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalidPolicy, path, undecoded[0].String())
	}
	for _, c := range p.Verification.Commands {
		if c == "" {
			return nil, fmt.Errorf("%w: %s: empty verification command", ErrInvalidPolicy, path)
		}
	}
	return p, nil
}

// VerificationCommands returns the task's own commands when it has any, else
// the workspace's.
func (p *Policy) VerificationCommands(own []string) []string {
	if len(own) > 0 {
		return own
	}
	return slices.Clone(p.Verification.Commands)
}

// Guard merges the workspace promotion policy over base. Allowed branches are
// unioned; RequireClean is replaced only when the workspace sets it.
func (p *Policy) Guard(base sandbox.Guard) sandbox.Guard {
	g := sandbox.Guard{
		AllowedBranches: slices.Clone(base.AllowedBranches),
		RequireClean:    base.RequireClean,
	}
	for _, b := range p.Promotion.AllowedBranches {
		if !slices.Contains(g.AllowedBranches, b) {
			g.AllowedBranches = append(g.AllowedBranches, b)
		}
	}
	if p.Promotion.RequireClean != nil {
		g.RequireClean = *p.Promotion.RequireClean
	}
	return g
}

// Excludes returns the extra sandbox exclude patterns.
func (p *Policy) Excludes() []string {
	return slices.Clone(p.Sandbox.Exclude)
}
