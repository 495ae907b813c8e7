package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	api "github.com/cloveric/awe-agentforge-sub000/internal/http"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, drive and inspect tasks",
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check agentforge server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.HealthResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, "/health", nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server status: %s\n", resp.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.StatusResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		return printCounts(cmd, resp.Counts)
	},
}

var createFlags struct {
	title        string
	description  string
	author       string
	reviewers    []string
	workspace    string
	sandbox      bool
	sandboxPath  string
	selfLoop     bool
	autoMerge    bool
	debate       bool
	maxRounds    int
	evolveUntil  string
	repairMode   string
	verify       []string
	mergeTarget  string
	phaseTimeout []string
	note         string
	start        bool
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	Long: `Create a task. Participants are given as provider or provider#alias.

Examples:
  agentforge task create --title "Fix flaky upload test" \
      --author claude#author --reviewer codex#r1 --reviewer gemini#r2 \
      --workspace . --self-loop --max-rounds 3 --verify "go test ./..." --start

  # Bound a long evolution by wall clock instead of rounds
  agentforge task create --title "Harden parser" --author claude \
      --reviewer codex --workspace . --sandbox --evolve-until 2026-11-01T18:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func buildCreateRequest() (*lifecycle.CreateRequest, error) {
	f := createFlags
	req := &lifecycle.CreateRequest{
		Title:                f.title,
		Description:          f.description,
		SandboxMode:          f.sandbox,
		SelfLoopMode:         f.selfLoop,
		AutoMerge:            f.autoMerge,
		DebateMode:           f.debate,
		MaxRounds:            f.maxRounds,
		RepairMode:           task.RepairMode(f.repairMode),
		WorkspacePath:        f.workspace,
		SandboxWorkspacePath: f.sandboxPath,
		MergeTargetPath:      f.mergeTarget,
		VerificationCommands: f.verify,
		ProposalNote:         f.note,
		AutoStart:            f.start,
	}

	author, err := participant.ParseRef(f.author)
	if err != nil {
		return nil, fmt.Errorf("invalid --author: %w", err)
	}
	req.Author = author
	for _, r := range f.reviewers {
		ref, err := participant.ParseRef(r)
		if err != nil {
			return nil, fmt.Errorf("invalid --reviewer %q: %w", r, err)
		}
		req.Reviewers = append(req.Reviewers, ref)
	}

	if f.evolveUntil != "" {
		until, err := time.Parse(time.RFC3339, f.evolveUntil)
		if err != nil {
			return nil, fmt.Errorf("invalid --evolve-until (want RFC3339): %w", err)
		}
		req.EvolveUntil = &until
	}

	for _, pt := range f.phaseTimeout {
		phase, secs, ok := strings.Cut(pt, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --phase-timeout %q (want phase=seconds)", pt)
		}
		n, err := strconv.Atoi(secs)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid --phase-timeout %q: seconds must be a positive integer", pt)
		}
		if req.PhaseTimeouts == nil {
			req.PhaseTimeouts = make(map[task.Phase]int)
		}
		req.PhaseTimeouts[task.Phase(phase)] = n
	}
	return req, nil
}

func runCreate(cmd *cobra.Command, _ []string) error {
	req, err := buildCreateRequest()
	if err != nil {
		return err
	}
	var t task.Task
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/tasks", req, &t); err != nil {
		return err
	}
	return printTask(cmd, &t)
}

var listFlags struct {
	status string
	limit  int
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if listFlags.status != "" {
			q.Set("status", listFlags.status)
		}
		if listFlags.limit > 0 {
			q.Set("limit", strconv.Itoa(listFlags.limit))
		}
		path := "/api/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var resp api.TaskListResponse
		if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		return printTaskList(cmd, resp.Tasks)
	},
}

// taskAction builds a command that POSTs to /api/v1/tasks/:id/<action> and
// prints the returned task.
func taskAction(use, short, action string, body func() any) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if body != nil {
				payload = body()
			}
			var t task.Task
			path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient().do(cmd.Context(), http.MethodPost, path, payload, &t); err != nil {
				return err
			}
			return printTask(cmd, &t)
		},
	}
}

var (
	failReason    string
	resubmitStart bool
)

var (
	taskStartCmd  = taskAction("start", "Start a queued task", "start", nil)
	taskCancelCmd = taskAction("cancel", "Request cancellation of a task", "cancel", nil)
	taskFailCmd   = taskAction("fail", "Force a task into failed_system", "force-fail", func() any {
		return api.ForceFailRequest{Reason: failReason}
	})
	taskResubmitCmd = taskAction("resubmit", "Create a fresh task from a terminal one", "resubmit", func() any {
		return api.StartRequest{AutoStart: resubmitStart}
	})
)

var decideFlags struct {
	note  string
	start bool
}

var taskDecideCmd = &cobra.Command{
	Use:   "decide <id> approve|reject|revise",
	Short: "Answer a proposal parked in waiting_manual",
	Long: `Resolve a task waiting for the author's decision.

  approve  queue the agreed proposal for implementation
  reject   cancel the task
  revise   cancel the task, keeping --note for a resubmit`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := lifecycle.Decision(strings.ToLower(args[1]))
		if !d.Valid() {
			return fmt.Errorf("decision must be approve, reject or revise, got %q", args[1])
		}
		body := api.DecisionRequest{Decision: string(d), Note: decideFlags.note, AutoStart: decideFlags.start}
		var t task.Task
		path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/decision"
		if err := newClient().do(cmd.Context(), http.MethodPost, path, body, &t); err != nil {
			return err
		}
		return printTask(cmd, &t)
	},
}

var promoteFlags struct {
	round  int
	target string
}

var taskPromoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Promote a round's snapshot into the merge target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if promoteFlags.round < 1 {
			return fmt.Errorf("--round must be at least 1")
		}
		body := api.PromoteRequest{Round: promoteFlags.round, Target: promoteFlags.target}
		var res sandbox.PromoteResult
		path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/promote"
		if err := newClient().do(cmd.Context(), http.MethodPost, path, body, &res); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, res)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Promoted round %d of %s into %s (%d files changed)\n",
			res.Round, res.TaskID, res.Target, len(res.Changed))
		fmt.Fprintf(out, "Evidence: %s\n", res.EvidencePath)
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/v1/tasks/"+url.PathEscape(args[0]), nil, &t); err != nil {
			return err
		}
		return printTask(cmd, &t)
	},
}

var taskRoundsCmd = &cobra.Command{
	Use:   "rounds <id>",
	Short: "List a task's rounds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp api.RoundListResponse
		path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/rounds"
		if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		return printRounds(cmd, resp.Rounds)
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a terminal task with its rounds and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().do(cmd.Context(), http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

var eventsFlags struct {
	after    int64
	follow   bool
	interval time.Duration
}

var taskEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Print a task's event log",
	Long: `Print a task's events in sequence order. With --follow, poll for new events
until the task finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return followEvents(cmd, args[0], eventsFlags.after, eventsFlags.follow, eventsFlags.interval)
	},
}

func followEvents(cmd *cobra.Command, id string, after int64, follow bool, interval time.Duration) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c := newClient()
	printedHeader := false
	for {
		var resp api.EventListResponse
		path := fmt.Sprintf("/api/v1/tasks/%s/events?after_seq=%d", url.PathEscape(id), after)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			if follow && isStatus(err, http.StatusNotFound) && after > 0 {
				// Deleted while following.
				return nil
			}
			return err
		}
		if err := printEvents(cmd, resp.Events, !printedHeader); err != nil {
			return err
		}
		printedHeader = true
		if len(resp.Events) > 0 {
			after = resp.Events[len(resp.Events)-1].Seq
		}
		if !follow {
			return nil
		}
		if _, ok := events.Last(resp.Events, events.TypeTaskFinished); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func init() {
	f := taskCreateCmd.Flags()
	f.StringVar(&createFlags.title, "title", "", "task title (required)")
	f.StringVar(&createFlags.description, "description", "", "task description")
	f.StringVar(&createFlags.author, "author", "", "author participant, provider[#alias] (required)")
	f.StringArrayVar(&createFlags.reviewers, "reviewer", nil, "reviewer participant, provider[#alias] (repeatable)")
	f.StringVar(&createFlags.workspace, "workspace", "", "workspace path (required)")
	f.BoolVar(&createFlags.sandbox, "sandbox", false, "run in a sandbox copy of the workspace")
	f.StringVar(&createFlags.sandboxPath, "sandbox-path", "", "explicit sandbox path")
	f.BoolVar(&createFlags.selfLoop, "self-loop", false, "skip the manual proposal checkpoint")
	f.BoolVar(&createFlags.autoMerge, "auto-merge", false, "promote the sandbox on pass")
	f.BoolVar(&createFlags.debate, "debate", false, "reviewers see each other's findings")
	f.IntVar(&createFlags.maxRounds, "max-rounds", 1, "maximum rounds")
	f.StringVar(&createFlags.evolveUntil, "evolve-until", "", "RFC3339 deadline that supersedes --max-rounds")
	f.StringVar(&createFlags.repairMode, "repair-mode", "", "minimal, balanced or structural")
	f.StringArrayVar(&createFlags.verify, "verify", nil, "verification command (repeatable)")
	f.StringVar(&createFlags.mergeTarget, "merge-target", "", "promotion target path")
	f.StringArrayVar(&createFlags.phaseTimeout, "phase-timeout", nil, "phase timeout override, phase=seconds (repeatable)")
	f.StringVar(&createFlags.note, "note", "", "note seeding the first proposal")
	f.BoolVar(&createFlags.start, "start", false, "start immediately")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("author")
	_ = taskCreateCmd.MarkFlagRequired("workspace")

	taskListCmd.Flags().StringVar(&listFlags.status, "status", "", "comma-separated statuses to include")
	taskListCmd.Flags().IntVar(&listFlags.limit, "limit", 0, "maximum tasks to list")

	taskFailCmd.Flags().StringVar(&failReason, "reason", "", "reason recorded on the task")
	taskResubmitCmd.Flags().BoolVar(&resubmitStart, "start", false, "start the new task immediately")

	taskDecideCmd.Flags().StringVar(&decideFlags.note, "note", "", "note carried into the next proposal")
	taskDecideCmd.Flags().BoolVar(&decideFlags.start, "start", false, "start immediately on approve")

	taskPromoteCmd.Flags().IntVar(&promoteFlags.round, "round", 0, "round to promote (required)")
	taskPromoteCmd.Flags().StringVar(&promoteFlags.target, "target", "", "override the merge target path")
	_ = taskPromoteCmd.MarkFlagRequired("round")

	taskEventsCmd.Flags().Int64Var(&eventsFlags.after, "after", 0, "only events after this sequence number")
	taskEventsCmd.Flags().BoolVarP(&eventsFlags.follow, "follow", "f", false, "poll until the task finishes")
	taskEventsCmd.Flags().DurationVar(&eventsFlags.interval, "interval", time.Second, "poll interval with --follow")

	taskCmd.AddCommand(
		taskCreateCmd,
		taskListCmd,
		taskShowCmd,
		taskStartCmd,
		taskCancelCmd,
		taskFailCmd,
		taskDecideCmd,
		taskPromoteCmd,
		taskResubmitCmd,
		taskRoundsCmd,
		taskEventsCmd,
		taskDeleteCmd,
	)
}
