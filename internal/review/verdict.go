// Package review parses reviewer output into the closed verdict vocabulary and
// aggregates verdicts across reviewers.
package review

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
)

// Verdict is a reviewer's decision on a proposal or round.
type Verdict string

const (
	NoBlocker Verdict = "no_blocker"
	Blocker   Verdict = "blocker"
	Unclear   Verdict = "unclear"

	// Unknown is assigned when the reviewer's runtime failed; it is never
	// parsed from output.
	Unknown Verdict = "unknown"
)

// Format records which parser produced a verdict.
type Format string

const (
	FormatJSON   Format = "json"
	FormatMarker Format = "marker"
	FormatLegacy Format = "legacy"
	FormatNone   Format = "none"
)

// Finding is the parsed result of one reviewer's output.
type Finding struct {
	Verdict Verdict `json:"verdict"`
	Issue   string  `json:"issue,omitempty"`
	Format  Format  `json:"format"`
}

var (
	fencedJSON  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	markerLine  = regexp.MustCompile(`(?im)^\s*\**\s*verdict\s*\**\s*[:=]\s*\**\s*([a-z_\- ]+?)\s*\**\s*$`)
	issueLine   = regexp.MustCompile(`(?im)^\s*(?:issue|issues|blocker|reason)\s*[:=]\s*(.+)$`)
	legacyBlock = regexp.MustCompile(`(?i)\[(blocker|no[_ -]?blocker|unclear)\]`)
)

// Parse extracts a verdict from reviewer output. It tries a JSON object, then a
// "VERDICT:" marker line, then legacy bracketed keywords. Output matching none
// of them is Unclear.
func Parse(output string) Finding {
	if f, ok := parseJSON(output); ok {
		return f
	}
	if m := markerLine.FindStringSubmatch(output); m != nil {
		if v, ok := normalizeVerdict(m[1]); ok {
			return Finding{Verdict: v, Issue: extractIssue(output), Format: FormatMarker}
		}
	}
	if m := legacyBlock.FindAllStringSubmatch(output, -1); len(m) > 0 {
		// The most severe legacy marker wins.
		verdict := NoBlocker
		for _, match := range m {
			v, _ := normalizeVerdict(match[1])
			if severity(v) > severity(verdict) {
				verdict = v
			}
		}
		return Finding{Verdict: verdict, Issue: extractIssue(output), Format: FormatLegacy}
	}
	return Finding{Verdict: Unclear, Format: FormatNone}
}

type jsonVerdict struct {
	Verdict string          `json:"verdict"`
	Issue   string          `json:"issue"`
	Issues  json.RawMessage `json:"issues"`
}

func parseJSON(output string) (Finding, bool) {
	candidates := []string{}
	if m := fencedJSON.FindStringSubmatch(output); m != nil {
		candidates = append(candidates, m[1])
	}
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") {
		candidates = append(candidates, trimmed)
	}
	for _, c := range candidates {
		var jv jsonVerdict
		if err := json.Unmarshal([]byte(c), &jv); err != nil {
			continue
		}
		v, ok := normalizeVerdict(jv.Verdict)
		if !ok {
			continue
		}
		issue := jv.Issue
		if issue == "" && len(jv.Issues) > 0 {
			issue = flattenIssues(jv.Issues)
		}
		return Finding{Verdict: v, Issue: strings.TrimSpace(issue), Format: FormatJSON}, true
	}
	return Finding{}, false
}

func flattenIssues(raw json.RawMessage) string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func extractIssue(output string) string {
	if m := issueLine.FindStringSubmatch(output); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func normalizeVerdict(s string) (Verdict, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "no_blocker", "noblocker", "pass", "approve", "approved":
		return NoBlocker, true
	case "blocker", "block", "blocked", "reject":
		return Blocker, true
	case "unclear", "unsure":
		return Unclear, true
	}
	return "", false
}

func severity(v Verdict) int {
	switch v {
	case Blocker:
		return 3
	case Unclear:
		return 2
	case Unknown:
		return 1
	}
	return 0
}

// Normalize lowercases text, drops punctuation and collapses whitespace so
// that cosmetic rewording does not change a signature.
func Normalize(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			space = false
		case r > 127:
			b.WriteRune(r)
			space = false
		default:
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Hash returns a stable digest of the normalized parts.
func Hash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(Normalize(p)))
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// Outcome is one reviewer's contribution to a phase.
type Outcome struct {
	Reviewer participant.Ref           `json:"reviewer"`
	Verdict  Verdict                   `json:"verdict"`
	Issue    string                    `json:"issue,omitempty"`
	Format   Format                    `json:"format,omitempty"`
	Failure  participant.FailureReason `json:"failure,omitempty"`
	Output   string                    `json:"-"`
}

// FromResult converts an adapter result into an Outcome. A failed invocation
// downgrades to Unknown.
func FromResult(reviewer participant.Ref, res participant.Result) Outcome {
	if !res.OK {
		return Outcome{Reviewer: reviewer, Verdict: Unknown, Failure: res.Reason}
	}
	f := Parse(res.Output)
	return Outcome{
		Reviewer: reviewer,
		Verdict:  f.Verdict,
		Issue:    f.Issue,
		Format:   f.Format,
		Output:   res.Output,
	}
}

// Summary aggregates outcomes from every reviewer in a phase.
type Summary struct {
	Verdict  Verdict   `json:"verdict"`
	Outcomes []Outcome `json:"outcomes"`
}

// Aggregate combines outcomes. Any blocker wins, then any unclear. Unknown
// outcomes are tolerated while at least one reviewer answered; if none did
// the summary is Unknown.
func Aggregate(outcomes []Outcome) Summary {
	s := Summary{Verdict: NoBlocker, Outcomes: outcomes}
	answered := 0
	for _, o := range outcomes {
		if o.Verdict != Unknown {
			answered++
		}
		if severity(o.Verdict) > severity(s.Verdict) && o.Verdict != Unknown {
			s.Verdict = o.Verdict
		}
	}
	if answered == 0 {
		s.Verdict = Unknown
	}
	return s
}

// Unanimous reports whether every outcome is NoBlocker.
func (s Summary) Unanimous() bool {
	if len(s.Outcomes) == 0 {
		return false
	}
	for _, o := range s.Outcomes {
		if o.Verdict != NoBlocker {
			return false
		}
	}
	return true
}

// Blockers returns the outcomes that raised a blocker.
func (s Summary) Blockers() []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Verdict == Blocker {
			out = append(out, o)
		}
	}
	return out
}

// Signature digests the normalized blocking issues, independent of reviewer
// order. It is empty when there are no blockers.
func (s Summary) Signature() string {
	blockers := s.Blockers()
	if len(blockers) == 0 {
		return ""
	}
	issues := make([]string, 0, len(blockers))
	for _, b := range blockers {
		issue := b.Issue
		if issue == "" {
			issue = b.Output
		}
		issues = append(issues, Normalize(issue))
	}
	sort.Strings(issues)
	return Hash(issues...)
}

// Text renders the outcomes as feedback for the author's next prompt.
func (s Summary) Text() string {
	var b strings.Builder
	for _, o := range s.Outcomes {
		fmt.Fprintf(&b, "- %s: %s", o.Reviewer, o.Verdict)
		if o.Issue != "" {
			fmt.Fprintf(&b, " (%s)", o.Issue)
		}
		if o.Failure != "" {
			fmt.Fprintf(&b, " [%s]", o.Failure)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
