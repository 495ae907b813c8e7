package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/admission"
	"github.com/cloveric/awe-agentforge-sub000/internal/consensus"
	"github.com/cloveric/awe-agentforge-sub000/internal/deadloop"
	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/policy"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// mergeReasonInPlace marks auto-merge on a task that already worked in the
// workspace itself.
const mergeReasonInPlace = "in_place"

// failure is a run error with a machine-readable reason.
type failure struct {
	reason string
	err    error
}

func (f *failure) Error() string { return fmt.Sprintf("%s: %v", f.reason, f.err) }
func (f *failure) Unwrap() error { return f.err }

// taskRun is one admitted execution of a task.
type taskRun struct {
	m   *Manager
	id  string
	rec *events.Recorder
	log *zap.Logger
	pol *policy.Policy

	curRound atomic.Int64
	chunks   atomic.Int64
}

func (m *Manager) newRun(id string) *taskRun {
	return &taskRun{
		m:   m,
		id:  id,
		rec: m.recorder(id),
		log: m.logger.With(zap.String("task.id", id)),
		pol: &policy.Policy{},
	}
}

func (m *Manager) run(ctx context.Context, ticket *admission.Ticket, t *task.Task) {
	defer m.wg.Done()
	defer ticket.Release()
	defer m.forget(t.ID)

	m.metrics.Running.Inc()
	defer m.metrics.Running.Dec()

	ctx, span := m.startSpan(ctx, "lifecycle.run", t.ID, attribute.Bool("task.manual", t.ManualMode()))
	defer span.End()

	r := m.newRun(t.ID)
	if err := r.execute(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, err)
	}
}

func (r *taskRun) execute(ctx context.Context, t *task.Task) error {
	pol, err := policy.Load(t.WorkspacePath)
	if err != nil {
		return &failure{reason: task.ReasonPolicyInvalid, err: err}
	}
	r.pol = pol

	if t.SandboxMode {
		if t, err = r.prepareSandbox(ctx, t); err != nil {
			return err
		}
	}
	if t.ManualMode() && !t.ProposalApproved {
		return r.negotiate(ctx, t)
	}
	return r.rounds(ctx, t)
}

// prepareSandbox creates or adopts the task's sandbox on first start and
// checks the workspace fingerprint on every later one.
func (r *taskRun) prepareSandbox(ctx context.Context, t *task.Task) (*task.Task, error) {
	sb := r.m.sandbox
	if sb == nil {
		return nil, &failure{reason: task.ReasonSandboxSetupFailed, err: ErrSandboxUnavailable}
	}
	excludes := r.pol.Excludes()

	if t.WorkspaceFingerprint != "" {
		if err := sb.VerifyResume(t.WorkspacePath, t.WorkspaceFingerprint, excludes...); err != nil {
			if errors.Is(err, sandbox.ErrResumeGuardMismatch) {
				return nil, &failure{reason: task.ReasonResumeGuardMismatch, err: err}
			}
			return nil, &failure{reason: task.ReasonSandboxSetupFailed, err: err}
		}
		return t, nil
	}

	var (
		rec *sandbox.Record
		err error
	)
	if t.SandboxWorkspacePath != "" {
		rec, err = sb.Adopt(ctx, t.ID, t.SandboxWorkspacePath, t.WorkspacePath, excludes...)
	} else {
		rec, err = sb.Create(ctx, t.ID, t.WorkspacePath, excludes...)
	}
	if err != nil {
		return nil, &failure{reason: task.ReasonSandboxSetupFailed, err: err}
	}
	if len(rec.Withheld) > 0 {
		r.log.Warn("files withheld from sandbox", zap.Strings("paths", rec.Withheld))
	}

	return r.m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return errNotRunning
		}
		t.SandboxWorkspacePath = rec.Path
		t.SandboxGenerated = rec.Generated
		t.SandboxCleanupOnPass = rec.CleanupOnPass
		t.WorkspaceFingerprint = rec.Fingerprint
		t.UpdatedAt = r.m.now()
		return nil
	})
}

func (r *taskRun) negotiate(ctx context.Context, t *task.Task) error {
	eng := consensus.New(r.m.cfg.Consensus, r.m.adapter,
		consensus.WithLogger(r.m.logger),
		consensus.WithSink(r.sink()),
		consensus.WithMemory(r.m.memory),
	)
	res, err := eng.Run(ctx, t, r.rec, r.canceled)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case consensus.OutcomeCanceled:
		r.finishCanceled(ctx, string(task.PhaseProposal))
	case consensus.OutcomeAuthorFailed:
		r.finish(ctx, task.StatusFailedGate, res.Reason, nil)
	default:
		r.park(ctx, res.Reason)
	}
	return nil
}

func (r *taskRun) rounds(ctx context.Context, t *task.Task) error {
	proposal, err := r.approvedProposal(ctx)
	if err != nil {
		return err
	}
	exec := orchestrator.NewExecutor(r.m.cfg.Executor, r.m.adapter, r.m.runner,
		orchestrator.WithLogger(r.m.logger),
		orchestrator.WithMemory(r.m.memory),
		orchestrator.WithSink(r.sink()),
	)

	det := deadloop.New(r.m.cfg.MaxStrategyShifts, r.m.logger)
	prior, err := r.m.store.ListRounds(ctx, t.ID)
	if err != nil {
		return err
	}
	det.Seed(trailingSignatures(prior)...)

	hint := ""
	for {
		cur, err := r.m.store.GetTask(ctx, r.id)
		if err != nil {
			return err
		}
		if cur.Status != task.StatusRunning {
			r.log.Info("run stopped by operator", zap.String("status", string(cur.Status)))
			return nil
		}
		if cur.CancelRequested {
			r.finishCanceled(ctx, "round_start")
			return nil
		}
		if cur.BudgetExhausted(r.m.now()) {
			reason := cur.LastGateReason
			if reason == "" || (cur.EvolveUntil != nil && cur.RoundsCompleted == 0) {
				reason = task.ReasonDeadlineReached
			}
			r.finish(ctx, task.StatusFailedGate, reason, nil)
			return nil
		}

		cur.VerificationCommands = r.pol.VerificationCommands(cur.VerificationCommands)
		done, next, err := r.round(ctx, exec, det, cur, proposal, hint)
		if err != nil || done {
			return err
		}
		hint = next
	}
}

// round runs one round and applies its outcome. done reports that the run
// has reached a parked or terminal status.
func (r *taskRun) round(ctx context.Context, exec *orchestrator.Executor, det *deadloop.Detector, t *task.Task, proposal, hint string) (done bool, next string, err error) {
	n := t.RoundsCompleted + 1
	r.curRound.Store(int64(n))
	ctx, span := r.m.startSpan(ctx, "lifecycle.round", t.ID, attribute.Int("round", n))
	defer span.End()

	start := r.m.now()
	head, err := sandbox.HeadSHA(t.MergeTarget())
	if err != nil {
		r.log.Warn("failed to read target head", zap.Error(err))
		head = ""
	}
	rd := &task.Round{TaskID: t.ID, Number: n, HeadSHA: head, StartedAt: start}
	if err := r.m.store.SaveRound(ctx, rd); err != nil {
		return true, "", err
	}

	res, err := exec.Execute(ctx, orchestrator.RoundInput{
		Task:     t,
		Number:   n,
		HeadSHA:  head,
		Proposal: proposal,
		Hint:     hint,
	}, r.rec, r.canceled)
	if err != nil {
		return true, "", err
	}

	finished := r.m.now()
	rd.FinishedAt = &finished
	if res.Canceled {
		rd.GateReason = task.ReasonCanceled
		if err := r.m.store.SaveRound(ctx, rd); err != nil {
			return true, "", err
		}
		r.m.metrics.Rounds.WithLabelValues("canceled").Inc()
		r.finishCanceled(ctx, string(res.Boundary))
		return true, "", nil
	}

	rd.Passed = res.Passed
	rd.GateReason = res.GateReason
	rd.EvidencePath = res.EvidencePath
	if t.SandboxMode && t.SnapshotsEnabled() {
		path, err := r.m.sandbox.Snapshot(ctx, t.ID, n, t.WorkDir(), r.pol.Excludes()...)
		if err != nil {
			r.log.Warn("round snapshot failed", zap.Int("round", n), zap.Error(err))
		} else {
			rd.SnapshotPath = path
		}
	}

	var dec deadloop.Decision
	if !res.Passed {
		dec = det.Observe(deadloop.Observation{
			GateReason:            res.GateReason,
			ImplementationSummary: res.ImplementationSummary,
			ReviewText:            res.ReviewText,
		}, currentRepairMode(t))
		rd.Signature = dec.Signature
	}
	if err := r.m.store.SaveRound(ctx, rd); err != nil {
		return true, "", err
	}

	result := "failed"
	if res.Passed {
		result = "passed"
	}
	r.m.metrics.Rounds.WithLabelValues(result).Inc()
	r.m.metrics.RoundDuration.Observe(finished.Sub(start).Seconds())
	span.SetAttributes(attribute.String("round.gate_reason", res.GateReason))

	updated, err := r.m.store.UpdateTask(ctx, t.ID, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return errNotRunning
		}
		t.RoundsCompleted = n
		t.LastGateReason = res.GateReason
		if dec.Repeated && !dec.Stop {
			t.RepairMode = dec.RepairMode
		}
		t.UpdatedAt = finished
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return true, "", nil
	}
	if err != nil {
		return true, "", err
	}

	if res.Passed {
		r.pass(ctx, updated, rd)
		return true, "", nil
	}
	if !dec.Repeated {
		return false, "", nil
	}
	if dec.Stop {
		r.finish(ctx, task.StatusFailedGate, task.ReasonLoopNoProgress, nil)
		return true, "", nil
	}
	if _, err := r.rec.Record(ctx, n, &events.StrategyShifted{
		Signature:  dec.Signature,
		Shifts:     dec.Shifts,
		RepairMode: string(dec.RepairMode),
		Hint:       dec.Hint,
	}); err != nil {
		return true, "", err
	}
	r.m.metrics.StrategyShifts.Inc()
	return false, dec.Hint, nil
}

// pass promotes an auto-merge sandbox task and finishes the run as passed.
// A blocked promotion is recorded on the task but does not undo the pass.
func (r *taskRun) pass(ctx context.Context, t *task.Task, rd *task.Round) {
	status, reason := task.MergeStatusSkipped, ""
	promoted := false
	switch {
	case !t.AutoMerge:
	case !t.SandboxMode:
		reason = mergeReasonInPlace
	default:
		_, s, why, err := r.m.promote(ctx, t, rd, t.WorkDir(), t.MergeTarget(), r.pol, task.MergeStatusMerged)
		status, reason, promoted = s, why, err == nil
	}
	if r.finish(ctx, task.StatusPassed, task.ReasonGatePassed, func(t *task.Task) {
		t.MergeStatus, t.MergeReason = status, reason
	}) && promoted {
		r.m.cleanupSandbox(t)
	}
}

// canceled is the cancellation check handed to the consensus engine and the
// round executor. A task moved out of running by an operator also counts.
func (r *taskRun) canceled(ctx context.Context) bool {
	t, err := r.m.store.GetTask(context.WithoutCancel(ctx), r.id)
	if err != nil {
		r.log.Warn("cancel check failed", zap.Error(err))
		return false
	}
	return t.CancelRequested || t.Status != task.StatusRunning
}

// sink records participant output chunks when streaming is enabled.
func (r *taskRun) sink() participant.Sink {
	if !r.m.cfg.StreamOutput {
		return nil
	}
	return func(phase string, who participant.Ref, c participant.Chunk) {
		_, err := r.rec.Record(context.Background(), int(r.curRound.Load()), &events.ParticipantOutput{
			Phase:       phase,
			Participant: who.String(),
			Chunk:       int(r.chunks.Add(1)),
			Text:        c.Text,
		})
		if err != nil {
			r.log.Debug("failed to record output chunk", zap.Error(err))
		}
	}
}

// approvedProposal returns the last proposal parked for confirmation, if any.
func (r *taskRun) approvedProposal(ctx context.Context) (string, error) {
	evs, err := r.m.store.Events().List(ctx, r.id, 0)
	if err != nil {
		return "", err
	}
	e, ok := events.Last(evs, events.TypeAuthorConfirmationRequired)
	if !ok {
		return "", nil
	}
	if p, ok := e.Payload.(*events.AuthorConfirmationRequired); ok {
		return p.Proposal, nil
	}
	return "", nil
}

// transition moves a running task to status. It reports false when an
// operator already took the task out of running.
func (r *taskRun) transition(ctx context.Context, status task.Status, reason string, mutate func(*task.Task)) (*task.Task, bool) {
	now := r.m.now()
	t, err := r.m.store.UpdateTask(ctx, r.id, func(t *task.Task) error {
		if t.Status != task.StatusRunning {
			return errNotRunning
		}
		if err := t.Transition(status, now); err != nil {
			return err
		}
		t.LastGateReason = reason
		t.CancelRequested = false
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
	if errors.Is(err, errNotRunning) {
		r.log.Info("run ended after operator action", zap.String("wanted", string(status)))
		return nil, false
	}
	if err != nil {
		r.log.Error("failed to record run status", zap.String("status", string(status)), zap.Error(err))
		return nil, false
	}
	return t, true
}

// finish moves the task to a terminal status and records pre followed by
// task_finished.
func (r *taskRun) finish(ctx context.Context, status task.Status, reason string, mutate func(*task.Task), pre ...events.Payload) bool {
	ctx = context.WithoutCancel(ctx)
	t, ok := r.transition(ctx, status, reason, mutate)
	if !ok {
		return false
	}
	for _, p := range append(pre, &events.TaskFinished{
		Status:          string(status),
		Reason:          reason,
		RoundsCompleted: t.RoundsCompleted,
	}) {
		if _, err := r.rec.Record(ctx, t.RoundsCompleted, p); err != nil {
			r.log.Error("failed to record event", zap.String("type", string(p.Type())), zap.Error(err))
		}
	}
	r.m.metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	r.log.Info("task finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("rounds_completed", t.RoundsCompleted),
	)
	return true
}

func (r *taskRun) finishCanceled(ctx context.Context, boundary string) {
	r.finish(ctx, task.StatusCanceled, task.ReasonCanceled, nil, &events.Canceled{Boundary: boundary})
}

// park leaves the task in waiting_manual for an operator decision.
func (r *taskRun) park(ctx context.Context, reason string) {
	if _, ok := r.transition(context.WithoutCancel(ctx), task.StatusWaitingManual, reason, nil); ok {
		r.log.Info("task waiting for author decision", zap.String("reason", reason))
	}
}

// fail records an unrecoverable run error as failed_system.
func (r *taskRun) fail(ctx context.Context, err error) {
	reason := task.ReasonInternalError
	var f *failure
	switch {
	case errors.As(err, &f):
		reason = f.reason
	case ctx.Err() != nil:
		reason = task.ReasonRunInterrupted
	}
	r.log.Error("run failed", zap.String("reason", reason), zap.Error(err))
	r.finish(ctx, task.StatusFailedSystem, reason, nil, &events.SystemFailure{Reason: reason, Error: err.Error()})
}

// trailingSignatures returns the signatures of the failed rounds at the end
// of rounds, oldest first.
func trailingSignatures(rounds []*task.Round) []string {
	start := len(rounds)
	for start > 0 {
		rd := rounds[start-1]
		if rd.Passed || rd.Signature == "" {
			break
		}
		start--
	}
	sigs := make([]string, 0, len(rounds)-start)
	for _, rd := range rounds[start:] {
		sigs = append(sigs, rd.Signature)
	}
	return sigs
}

func currentRepairMode(t *task.Task) task.RepairMode {
	if t.RepairMode == "" {
		return task.RepairBalanced
	}
	return t.RepairMode
}
