package orchestrator

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// DefaultGates returns the gates every round runs, in order. Precompletion
// comes first so a missing command list or bundle fails the round regardless
// of reviewer sentiment.
func DefaultGates() []PhaseGate {
	return []PhaseGate{
		NewPrecompletionGate(),
		NewVerificationGate(),
		NewReviewGate(),
	}
}

// PrecompletionGate requires configured verification commands and an evidence
// bundle on disk.
type PrecompletionGate struct{}

// NewPrecompletionGate creates a new precompletion gate.
func NewPrecompletionGate() *PrecompletionGate {
	return &PrecompletionGate{}
}

// Name returns the gate identifier.
func (g *PrecompletionGate) Name() string {
	return "precompletion-gate"
}

// Check validates the precompletion checklist.
func (g *PrecompletionGate) Check(ctx context.Context, state *RoundState) ([]Violation, error) {
	if len(state.Task.VerificationCommands) == 0 {
		return []Violation{{
			Type:        ViolationCommandsMissing,
			Phase:       task.PhaseVerification,
			Description: "no verification commands are configured",
			Severity:    SeverityError,
			DetectedAt:  time.Now(),
		}}, nil
	}
	if !evidence.Exists(state.EvidencePath) {
		return []Violation{{
			Type:        ViolationEvidenceMissing,
			Phase:       task.PhaseVerification,
			Description: "no evidence bundle was recorded for this round",
			Severity:    SeverityError,
			DetectedAt:  time.Now(),
		}}, nil
	}
	return []Violation{}, nil
}

// VerificationGate requires every verification command to pass and rejects
// bundles whose output is a tool's usage text rather than a test run.
type VerificationGate struct {
	maxOutputBytes int64
}

// NewVerificationGate creates a new verification gate.
func NewVerificationGate() *VerificationGate {
	return &VerificationGate{maxOutputBytes: 64 << 10}
}

// Name returns the gate identifier.
func (g *VerificationGate) Name() string {
	return "verification-gate"
}

// Check validates the evidence bundle.
func (g *VerificationGate) Check(ctx context.Context, state *RoundState) ([]Violation, error) {
	var violations []Violation
	if state.Bundle == nil {
		return violations, nil // caught by the precompletion gate
	}

	if failed := state.Bundle.FailedCommands(); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, c := range failed {
			names = append(names, c.Command)
		}
		violations = append(violations, Violation{
			Type:        ViolationVerificationFailed,
			Phase:       task.PhaseVerification,
			Description: "verification commands failed: " + strings.Join(names, ", "),
			Severity:    SeverityError,
			DetectedAt:  time.Now(),
		})
		return violations, nil
	}

	for _, c := range state.Bundle.Commands {
		if isHelpOutput(g.readOutput(c.OutputPath)) {
			violations = append(violations, Violation{
				Type:        ViolationHelpAsVerification,
				Phase:       task.PhaseVerification,
				Description: "command " + c.Command + " printed usage text instead of running checks",
				Severity:    SeverityCritical,
				DetectedAt:  time.Now(),
			})
			break
		}
	}
	return violations, nil
}

func (g *VerificationGate) readOutput(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, _ := io.ReadAll(io.LimitReader(f, g.maxOutputBytes))
	return string(data)
}

// ReviewGate fails the round unless the aggregated review is no_blocker.
type ReviewGate struct{}

// NewReviewGate creates a new review gate.
func NewReviewGate() *ReviewGate {
	return &ReviewGate{}
}

// Name returns the gate identifier.
func (g *ReviewGate) Name() string {
	return "review-gate"
}

// Check validates the review verdict.
func (g *ReviewGate) Check(ctx context.Context, state *RoundState) ([]Violation, error) {
	v := Violation{Phase: task.PhaseReview, Severity: SeverityError, DetectedAt: time.Now()}
	switch state.Review.Verdict {
	case review.NoBlocker:
		return []Violation{}, nil
	case review.Blocker:
		v.Type = ViolationReviewBlocker
		v.Description = "reviewers raised a blocker"
		if bs := state.Review.Blockers(); len(bs) > 0 && bs[0].Issue != "" {
			v.Description += ": " + bs[0].Issue
		}
	case review.Unclear:
		v.Type = ViolationReviewUnclear
		v.Description = "reviewers did not reach a clear verdict"
	default:
		v.Type = ViolationReviewUnavailable
		v.Description = "no reviewer produced a verdict"
	}
	return []Violation{v}, nil
}

var (
	helpPatterns = []string{
		"usage:",
		"--help",
		"-h, --help",
		"show help",
		"show this help",
		"options:",
	}

	testPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(pass|fail|error).*\d+`),
		regexp.MustCompile(`(?i)test.*\([\d.]+s\)`),
		regexp.MustCompile(`✓|✗`),
		regexp.MustCompile(`(?i)ok\s+\S+\s+[\d.]+s`),
		regexp.MustCompile(`(?i)test suites?:\s*\d+`),
	}
)

// isHelpOutput detects output that looks like --help text rather than test
// results.
func isHelpOutput(output string) bool {
	if output == "" {
		return false
	}
	for _, pattern := range testPatterns {
		if pattern.MatchString(output) {
			return false
		}
	}
	lower := strings.ToLower(output)
	helpCount := 0
	for _, pattern := range helpPatterns {
		if strings.Contains(lower, pattern) {
			helpCount++
		}
	}
	return helpCount >= 2
}

// blockingViolation returns the first violation that fails a round.
func blockingViolation(violations []Violation) (Violation, bool) {
	for _, v := range violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			return v, true
		}
	}
	return Violation{}, false
}

// describeViolations creates a summary of violations.
func describeViolations(violations []Violation) string {
	var parts []string
	for _, v := range violations {
		parts = append(parts, "["+string(v.Type)+"] "+v.Description)
	}
	return strings.Join(parts, "; ")
}
