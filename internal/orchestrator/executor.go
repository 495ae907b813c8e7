package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// PhaseProgress reports progress during a round.
type PhaseProgress struct {
	TaskID     string      `json:"task_id"`
	Round      int         `json:"round"`
	Phase      task.Phase  `json:"phase"`
	Status     PhaseStatus `json:"status"`
	Message    string      `json:"message"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress PhaseProgress)

// Executor runs one round of a task through its phases and gates.
type Executor struct {
	cfg              Config
	adapter          participant.Adapter
	runner           *evidence.Runner
	gates            []PhaseGate
	hooks            MemoryHooks
	memory           *GuardedMemory
	sink             participant.Sink
	logger           *zap.Logger
	progressCallback ProgressCallback
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMemory attaches memory hooks. Their failures are logged, never returned.
func WithMemory(m MemoryHooks) Option {
	return func(e *Executor) { e.hooks = m }
}

// WithSink streams participant output chunks to s.
func WithSink(s participant.Sink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithGates replaces the default gates.
func WithGates(gates ...PhaseGate) Option {
	return func(e *Executor) { e.gates = gates }
}

// NewExecutor creates an executor that invokes participants through adapter
// and runs verification with runner.
func NewExecutor(cfg Config, adapter participant.Adapter, runner *evidence.Runner, opts ...Option) *Executor {
	e := &Executor{
		cfg:     cfg,
		adapter: adapter,
		runner:  runner,
		gates:   DefaultGates(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")
	e.memory = NewGuardedMemory(e.hooks, e.logger)
	if e.cfg.PhaseTimeouts == nil {
		e.cfg.PhaseTimeouts = DefaultConfig().PhaseTimeouts
	}
	return e
}

// RegisterGate appends a gate that runs after the defaults.
func (e *Executor) RegisterGate(gate PhaseGate) {
	e.gates = append(e.gates, gate)
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progressCallback = callback
}

type round struct {
	e     *Executor
	t     *task.Task
	in    RoundInput
	rec   *events.Recorder
	state *RoundState
	res   *RoundResult
	pc    PromptContext
	log   *zap.Logger
}

// Execute runs round in.Number of in.Task. Author runtime failures end the
// round with a "<phase>_<reason>" gate reason. A cancel request is honoured
// before each phase. Returned errors are system failures: an unwritable event
// log, a failing gate implementation, or a done context.
func (e *Executor) Execute(ctx context.Context, in RoundInput, rec *events.Recorder, canceled CancelCheck) (*RoundResult, error) {
	if canceled == nil {
		canceled = func(context.Context) bool { return false }
	}
	t := in.Task
	r := &round{
		e:     e,
		t:     t,
		in:    in,
		rec:   rec,
		state: NewRoundState(t, in.Number),
		res:   &RoundResult{Number: in.Number},
		log:   e.logger.With(zap.String("task.id", t.ID), zap.Int("round", in.Number)),
	}
	r.pc = PromptContext{Task: t, Round: in.Number, Proposal: in.Proposal, Hint: in.Hint}

	if err := r.record(ctx, &events.RoundStarted{
		HeadSHA:      in.HeadSHA,
		RepairMode:   string(repairMode(t)),
		StrategyHint: in.Hint,
	}); err != nil {
		return nil, err
	}
	r.pc.Memories, _ = e.memory.Recall(ctx, t, e.cfg.RecallLimit)

	total := len(task.RoundPhases)
	for i, phase := range task.RoundPhases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if canceled(ctx) {
			r.log.Info("cancel honoured at phase boundary", zap.String("phase", string(phase)))
			r.res.Canceled, r.res.Boundary = true, phase
			return r.res, nil
		}
		if err := r.state.CanTransition(phase); err != nil {
			return nil, err
		}
		r.state.Phase = phase
		pr := &PhaseResult{Phase: phase, Status: StatusInProgress, StartedAt: time.Now()}
		r.state.Results[phase] = pr
		e.reportProgress(PhaseProgress{
			TaskID:     t.ID,
			Round:      in.Number,
			Phase:      phase,
			Status:     StatusInProgress,
			Message:    fmt.Sprintf("Starting phase: %s", phase),
			Percentage: (i * 100) / total,
		})

		reason, err := r.runPhase(ctx, phase, pr)
		pr.CompletedAt = time.Now()
		if err != nil {
			pr.Status = StatusFailed
			pr.Error = err.Error()
			return nil, fmt.Errorf("round %d %s: %w", in.Number, phase, err)
		}
		if reason != "" {
			pr.Status = StatusFailed
			pr.Error = reason
			if phase != task.PhaseGate {
				if err := r.record(ctx, &events.GateFailed{Reason: reason}); err != nil {
					return nil, err
				}
			}
			r.res.GateReason = reason
			break
		}
		pr.Status = StatusCompleted
		e.reportProgress(PhaseProgress{
			TaskID:     t.ID,
			Round:      in.Number,
			Phase:      phase,
			Status:     StatusCompleted,
			Message:    fmt.Sprintf("Completed phase: %s", phase),
			Percentage: ((i + 1) * 100) / total,
		})
	}

	if r.res.GateReason == "" {
		r.res.Passed = true
		r.res.GateReason = task.ReasonGatePassed
	}
	r.log.Info("round finished", zap.Bool("passed", r.res.Passed), zap.String("gate_reason", r.res.GateReason))
	_ = e.memory.Persist(ctx, t, r.res)
	return r.res, nil
}

func (r *round) runPhase(ctx context.Context, phase task.Phase, pr *PhaseResult) (string, error) {
	switch phase {
	case task.PhaseDiscussion:
		out, reason, err := r.author(ctx, phase)
		r.pc.Discussion, pr.Output = out, out
		return reason, err
	case task.PhaseImplementation:
		out, reason, err := r.author(ctx, phase)
		r.pc.Summary, pr.Output = out, out
		r.res.ImplementationSummary = out
		return reason, err
	case task.PhaseReview:
		return "", r.review(ctx)
	case task.PhaseVerification:
		return "", r.verify(ctx, pr)
	case task.PhaseGate:
		return r.gate(ctx)
	}
	return "", fmt.Errorf("unknown phase %q", phase)
}

func (r *round) record(ctx context.Context, p events.Payload) error {
	_, err := r.rec.Record(ctx, r.in.Number, p)
	return err
}

// author runs the author for a discussion or implementation phase. A runtime
// failure is returned as a gate reason.
func (r *round) author(ctx context.Context, phase task.Phase) (string, string, error) {
	who := r.t.Author
	if err := r.record(ctx, &events.PhaseStarted{Phase: string(phase), Participants: []string{who.String()}}); err != nil {
		return "", "", err
	}
	res := r.e.adapter.Invoke(ctx, participant.Request{
		Participant: who,
		Role:        participant.RoleAuthor,
		Phase:       string(phase),
		Prompt:      BuildPhasePrompt(phase, r.pc),
		Timeout:     r.e.cfg.Timeout(r.t, phase),
		WorkDir:     r.t.WorkDir(),
		OnChunk:     r.e.sink.Bind(string(phase), who),
	})
	if err := r.record(ctx, &events.PhaseCompleted{
		Phase:       string(phase),
		Participant: who.String(),
		OK:          res.OK,
		Reason:      string(res.Reason),
		DurationMS:  res.Duration.Milliseconds(),
		Output:      res.Output,
	}); err != nil {
		return "", "", err
	}
	if !res.OK {
		r.log.Warn("author failed",
			zap.String("phase", string(phase)),
			zap.String("reason", string(res.Reason)),
			zap.String("detail", res.Detail),
		)
		return "", task.PhaseFailureReason(phase, string(res.Reason)), nil
	}
	return res.Output, "", nil
}

func (r *round) review(ctx context.Context) error {
	phase := string(task.PhaseReview)
	names := make([]string, 0, len(r.t.Reviewers))
	for _, rv := range r.t.Reviewers {
		names = append(names, rv.String())
	}
	if err := r.record(ctx, &events.PhaseStarted{Phase: phase, Participants: names}); err != nil {
		return err
	}

	prompt := BuildPhasePrompt(task.PhaseReview, r.pc)
	timeout := r.e.cfg.Timeout(r.t, task.PhaseReview)
	outcomes := review.Panel{Adapter: r.e.adapter}.Evaluate(ctx, r.t.Reviewers, func(who participant.Ref) participant.Request {
		return participant.Request{
			Phase:   phase,
			Prompt:  prompt,
			Timeout: timeout,
			WorkDir: r.t.WorkDir(),
			OnChunk: r.e.sink.Bind(phase, who),
		}
	})

	for _, o := range outcomes {
		if err := r.record(ctx, &events.PhaseCompleted{
			Phase:       phase,
			Participant: o.Reviewer.String(),
			OK:          o.Failure == "",
			Reason:      string(o.Failure),
			Output:      o.Output,
		}); err != nil {
			return err
		}
	}
	for _, o := range review.Downgraded(outcomes) {
		r.log.Warn("reviewer downgraded", zap.String("reviewer", o.Reviewer.String()), zap.String("reason", string(o.Failure)))
		if err := r.record(ctx, &events.ReviewerDowngraded{
			Phase:    phase,
			Reviewer: o.Reviewer.String(),
			Reason:   string(o.Failure),
		}); err != nil {
			return err
		}
	}

	sum := review.Aggregate(outcomes)
	r.state.Review = sum
	r.res.Review = sum
	r.res.ReviewText = sum.Text()
	return r.record(ctx, &events.ReviewVerdict{
		Verdict:  sum.Verdict,
		Outcomes: append([]review.Outcome(nil), outcomes...),
	})
}

func (r *round) verify(ctx context.Context, pr *PhaseResult) error {
	cmds := r.t.VerificationCommands
	if len(cmds) == 0 {
		pr.Output = "no verification commands configured"
		return nil
	}
	bundle, path, err := r.e.runner.Run(ctx, r.t.ID, r.in.Number, r.t.WorkDir(), cmds, r.e.cfg.Timeout(r.t, task.PhaseVerification))
	if err != nil {
		// Without a bundle the precompletion gate fails the round.
		r.log.Warn("verification could not record evidence", zap.Error(err))
		pr.Output = err.Error()
		return r.record(ctx, &events.Verification{Passed: false})
	}
	r.state.Bundle, r.state.EvidencePath = bundle, path
	r.res.EvidencePath = path

	results := make([]events.CommandResult, 0, len(bundle.Commands))
	for _, c := range bundle.Commands {
		results = append(results, events.CommandResult{
			Command:    c.Command,
			ExitCode:   c.ExitCode,
			TimedOut:   c.TimedOut,
			OutputPath: c.OutputPath,
		})
	}
	pr.Output = fmt.Sprintf("%d/%d commands passed", len(bundle.Commands)-len(bundle.FailedCommands()), len(bundle.Commands))
	return r.record(ctx, &events.Verification{
		Passed:       bundle.Passed(),
		EvidencePath: path,
		Commands:     results,
	})
}

func (r *round) gate(ctx context.Context) (string, error) {
	var violations []Violation
	for _, g := range r.e.gates {
		vs, err := g.Check(ctx, r.state)
		if err != nil {
			return "", fmt.Errorf("gate %s check failed: %w", g.Name(), err)
		}
		violations = append(violations, vs...)
	}
	r.state.Violations = violations
	r.res.Violations = violations

	checklist := &events.PrecompletionChecklist{
		CommandsConfigured: len(r.t.VerificationCommands) > 0,
		EvidencePresent:    evidence.Exists(r.state.EvidencePath),
		Passed:             true,
	}
	for _, v := range violations {
		if v.Type == ViolationCommandsMissing || v.Type == ViolationEvidenceMissing {
			checklist.Passed, checklist.Reason = false, string(v.Type)
			break
		}
	}
	if err := r.record(ctx, checklist); err != nil {
		return "", err
	}

	if v, ok := blockingViolation(violations); ok {
		r.log.Info("gate failed", zap.String("violations", describeViolations(violations)))
		if err := r.record(ctx, &events.GateFailed{Reason: string(v.Type)}); err != nil {
			return "", err
		}
		return string(v.Type), nil
	}
	return "", r.record(ctx, &events.GatePassed{EvidencePath: r.state.EvidencePath})
}

func (e *Executor) reportProgress(progress PhaseProgress) {
	if e.progressCallback != nil {
		e.progressCallback(progress)
	}
}
