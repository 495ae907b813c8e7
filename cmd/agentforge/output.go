package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	api "github.com/cloveric/awe-agentforge-sub000/internal/http"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printTask(cmd *cobra.Command, t *task.Task) error {
	if outputJSON {
		return printJSON(cmd, t)
	}
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	fmt.Fprintf(w, "Title:\t%s\n", t.Title)
	fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	if t.LastGateReason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", t.LastGateReason)
	}
	fmt.Fprintf(w, "Author:\t%s\n", t.Author)
	for i, r := range t.Reviewers {
		label := ""
		if i == 0 {
			label = "Reviewers:"
		}
		fmt.Fprintf(w, "%s\t%s\n", label, r)
	}
	fmt.Fprintf(w, "Rounds:\t%s\n", roundsLabel(t))
	fmt.Fprintf(w, "Workspace:\t%s\n", t.WorkspacePath)
	if t.SandboxMode {
		fmt.Fprintf(w, "Sandbox:\t%s\n", t.SandboxWorkspacePath)
	}
	if t.MergeStatus != "" {
		fmt.Fprintf(w, "Merge:\t%s %s\n", t.MergeStatus, t.MergeReason)
	}
	if t.CancelRequested {
		fmt.Fprintf(w, "Cancel:\trequested\n")
	}
	fmt.Fprintf(w, "Updated:\t%s\n", t.UpdatedAt.Format(time.RFC3339))
	return w.Flush()
}

func roundsLabel(t *task.Task) string {
	if t.EvolveUntil != nil {
		return fmt.Sprintf("%d (until %s)", t.RoundsCompleted, t.EvolveUntil.Format(time.RFC3339))
	}
	return fmt.Sprintf("%d/%d", t.RoundsCompleted, t.MaxRounds)
}

func printTaskList(cmd *cobra.Command, tasks []*task.Task) error {
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "ID\tSTATUS\tROUNDS\tREASON\tTITLE\n")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, roundsLabel(t), t.LastGateReason, t.Title)
	}
	return w.Flush()
}

func printCounts(cmd *cobra.Command, counts api.StatusCounts) error {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "STATUS\tTASKS\n")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[task.Status(s)])
	}
	return w.Flush()
}

func printRounds(cmd *cobra.Command, rounds []*task.Round) error {
	if len(rounds) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rounds.")
		return nil
	}
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "ROUND\tPASSED\tREASON\tDURATION\tEVIDENCE\n")
	for _, r := range rounds {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\t%s\n", r.Number, r.Passed, r.GateReason, dur, r.EvidencePath)
	}
	return w.Flush()
}

func printEvents(cmd *cobra.Command, evs []events.Event, header bool) error {
	if outputJSON {
		for _, e := range evs {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
		}
		return nil
	}
	w := newTable(cmd.OutOrStdout())
	if header {
		fmt.Fprintf(w, "SEQ\tROUND\tTYPE\tTIME\n")
	}
	for _, e := range evs {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", e.Seq, e.Round, e.Type, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
