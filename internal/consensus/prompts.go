package consensus

import (
	"fmt"
	"strings"

	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func writeMemories(b *strings.Builder, mems []orchestrator.Memory) {
	if len(mems) == 0 {
		return
	}
	b.WriteString("Relevant learnings from earlier tasks:\n")
	for _, m := range mems {
		fmt.Fprintf(b, "- %s\n", m.Content)
	}
	b.WriteString("\n")
}

func draftPrompt(t *task.Task, mems []orchestrator.Memory, previous, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the author of task %q.\n\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Task description:\n%s\n\n", t.Description)
	}
	writeMemories(&b, mems)
	if t.ProposalNote != "" {
		fmt.Fprintf(&b, "Operator note on the previous proposal:\n%s\n\n", t.ProposalNote)
	}
	if previous != "" {
		fmt.Fprintf(&b, "Your previous proposal:\n%s\n\n", previous)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "Reviewers raised blocking issues:\n%s\n", feedback)
		b.WriteString("Write a new proposal that resolves every blocking issue.\n")
	} else {
		b.WriteString("Write an implementation proposal: the plan, the files you expect to touch, and how the change will be verified.\n")
	}
	b.WriteString("Do not change any files yet.\n")
	return b.String()
}

func revisePrompt(t *task.Task, mems []orchestrator.Memory, proposal, feedback string, precheck bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the author of task %q.\n\n", t.Title)
	writeMemories(&b, mems)
	fmt.Fprintf(&b, "Current proposal:\n%s\n\n", proposal)
	if precheck {
		b.WriteString("Reviewers prechecked the proposal before evaluation:\n")
	} else {
		b.WriteString("Reviewers could not agree on the proposal:\n")
	}
	b.WriteString(feedback)
	b.WriteString("\nRevise the proposal so it addresses every finding and is unambiguous. Do not change any files yet.\n")
	return b.String()
}

func reviewPrompt(t *task.Task, proposal string, precheck bool) string {
	var b strings.Builder
	if precheck {
		b.WriteString("Precheck this implementation proposal before the author finalizes it.\n\n")
	} else {
		b.WriteString("Evaluate this implementation proposal.\n\n")
	}
	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n", t.Description)
	}
	fmt.Fprintf(&b, "\nProposal:\n%s\n\n", proposal)
	b.WriteString(verdictInstructions)
	return b.String()
}

const verdictInstructions = `Answer with a JSON object {"verdict": "...", "issue": "..."} or with the lines
VERDICT: NO_BLOCKER | BLOCKER | UNCLEAR
ISSUE: <one sentence describing the blocking issue, if any>
`
