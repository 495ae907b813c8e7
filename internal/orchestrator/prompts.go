package orchestrator

import (
	"fmt"
	"strings"

	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// PromptContext is what a phase prompt is built from.
type PromptContext struct {
	Task       *task.Task
	Round      int
	Proposal   string
	Hint       string
	Memories   []Memory
	Discussion string
	Summary    string
}

// BuildPhasePrompt creates the prompt for a phase of a round.
func BuildPhasePrompt(phase task.Phase, pc PromptContext) string {
	var sb strings.Builder
	t := pc.Task

	fmt.Fprintf(&sb, "You are executing phase: %s (round %d)\n\n", phase, pc.Round)
	fmt.Fprintf(&sb, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&sb, "%s\n", t.Description)
	}
	sb.WriteString("\n")

	if pc.Proposal != "" {
		fmt.Fprintf(&sb, "Approved proposal:\n%s\n\n", pc.Proposal)
	}
	if pc.Hint != "" {
		fmt.Fprintf(&sb, "Strategy hint: %s\n\n", pc.Hint)
	}

	switch phase {
	case task.PhaseDiscussion:
		if len(pc.Memories) > 0 {
			sb.WriteString("Relevant learnings from earlier tasks:\n")
			for _, m := range pc.Memories {
				fmt.Fprintf(&sb, "- %s\n", m.Content)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("Instructions:\n")
		sb.WriteString("1. Analyze the task and any feedback from earlier rounds\n")
		fmt.Fprintf(&sb, "2. Plan the change using repair mode %q\n", repairMode(t))
		sb.WriteString("3. Do not modify files in this phase\n")
		sb.WriteString("4. Report the plan\n")

	case task.PhaseImplementation:
		if pc.Discussion != "" {
			fmt.Fprintf(&sb, "Your plan:\n%s\n\n", pc.Discussion)
		}
		sb.WriteString("Instructions:\n")
		sb.WriteString("1. Implement the plan in the working directory\n")
		sb.WriteString("2. Follow existing patterns in the codebase\n")
		sb.WriteString("3. Keep changes focused\n")
		sb.WriteString("4. Summarize every file you changed\n")

	case task.PhaseReview:
		if pc.Summary != "" {
			fmt.Fprintf(&sb, "Author's implementation summary:\n%s\n\n", pc.Summary)
		}
		sb.WriteString("Review the changes in the working directory against the task.\n")
		if len(t.VerificationCommands) > 0 {
			fmt.Fprintf(&sb, "These commands will verify the change: %s\n", strings.Join(t.VerificationCommands, "; "))
		}
		sb.WriteString("\nAnswer with a JSON object {\"verdict\": \"...\", \"issue\": \"...\"} or with the lines\n")
		sb.WriteString("VERDICT: NO_BLOCKER | BLOCKER | UNCLEAR\n")
		sb.WriteString("ISSUE: <one sentence describing the blocking issue, if any>\n")
	}

	return sb.String()
}

func repairMode(t *task.Task) task.RepairMode {
	if t.RepairMode == "" {
		return task.RepairBalanced
	}
	return t.RepairMode
}
