// Package secrets detects and redacts credentials with the gitleaks rule set.
//
// The sandbox uses it to keep secret-bearing files out of participant
// workspaces; the orchestrator uses it to redact participant output before it
// reaches the event log.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidRegex indicates an allowlist pattern failed to compile.
var ErrInvalidRegex = errors.New("invalid regex pattern")

// Allowlist excludes paths and content from detection.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Match  string
}

// Detector wraps a gitleaks detector. Building the rule set is expensive, so
// one Detector is shared and calls are serialized.
type Detector struct {
	mu    sync.Mutex
	d     *detect.Detector
	paths []*regexp.Regexp
}

// NewDetector builds a detector with the default gitleaks rules plus allow.
func NewDetector(allow *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	det := &Detector{d: d}
	if allow == nil {
		return det, nil
	}

	extra := &gitleaksConfig.Allowlist{Description: "agentforge workspace allowlist"}
	for _, p := range allow.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidRegex, p, err)
		}
		det.paths = append(det.paths, re)
		extra.Paths = append(extra.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, p := range allow.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: content %q: %v", ErrInvalidRegex, p, err)
		}
		extra.Regexes = append(extra.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	d.Config.Allowlists = append(d.Config.Allowlists, extra)
	return det, nil
}

// Scan returns every secret found in content.
func (d *Detector) Scan(content string) []Finding {
	if content == "" {
		return nil
	}
	d.mu.Lock()
	raw := d.d.DetectString(content)
	d.mu.Unlock()

	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Match: f.Secret})
	}
	return out
}

// PathAllowed reports whether rel matches an allowlisted path pattern.
func (d *Detector) PathAllowed(rel string) bool {
	for _, re := range d.paths {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// ContainsSecret reports whether a file should be withheld from a sandbox.
func (d *Detector) ContainsSecret(rel string, content []byte) bool {
	if d.PathAllowed(rel) {
		return false
	}
	return len(d.Scan(string(content))) > 0
}

// Redact replaces each detected secret with a [REDACTED:<rule>] marker and
// returns the number of distinct secrets replaced.
func (d *Detector) Redact(content string) (string, int) {
	findings := d.Scan(content)
	if len(findings) == 0 {
		return content, 0
	}
	// Longest first so that a secret containing another is replaced whole.
	sort.Slice(findings, func(i, j int) bool {
		return len(findings[i].Match) > len(findings[j].Match)
	})
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		if seen[f.Match] {
			continue
		}
		seen[f.Match] = true
		content = strings.ReplaceAll(content, f.Match, "[REDACTED:"+f.RuleID+"]")
	}
	return content, len(seen)
}
