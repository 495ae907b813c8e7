package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/admission"
	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/policy"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// Start admits a queued task and launches its run. A start for a task that
// is already in flight returns the current task without starting anything.
// A start refused by admission control leaves the task queued with
// LastGateReason set to concurrency_limit; the sweeper retries it.
func (m *Manager) Start(ctx context.Context, id string) (*task.Task, error) {
	ctx, span := m.startSpan(ctx, "lifecycle.start", id)
	defer span.End()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ticket, err := m.admission.Admit(id)
	switch {
	case errors.Is(err, admission.ErrAlreadyRunning):
		m.metrics.TaskStarts.WithLabelValues("in_flight").Inc()
		span.SetAttributes(attribute.String("start.result", "in_flight"))
		return m.store.GetTask(ctx, id)
	case errors.Is(err, admission.ErrLimitReached):
		span.SetAttributes(attribute.String("start.result", "deferred"))
		return m.deferStart(ctx, id)
	case err != nil:
		return nil, err
	}

	now := m.now()
	t, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusQueued {
			return fmt.Errorf("%w: start from %s", task.ErrInvalidTransition, t.Status)
		}
		if err := t.Transition(task.StatusRunning, now); err != nil {
			return err
		}
		t.CancelRequested = false
		if t.LastGateReason == task.ReasonConcurrencyLimit {
			t.LastGateReason = ""
		}
		return nil
	})
	if err != nil {
		ticket.Release()
		return nil, err
	}

	mode := "manual"
	if !t.ManualMode() {
		mode = "self_loop"
	}
	if _, err := m.recorder(id).Record(ctx, t.RoundsCompleted, &events.TaskStarted{
		Mode:   mode,
		Resume: t.RoundsCompleted > 0 || t.WorkspaceFingerprint != "",
	}); err != nil {
		ticket.Release()
		m.newRun(id).fail(ctx, err)
		return nil, err
	}
	if err := m.launch(ticket, t.Clone()); err != nil {
		ticket.Release()
		m.newRun(id).fail(ctx, err)
		return nil, err
	}
	m.metrics.TaskStarts.WithLabelValues("started").Inc()
	span.SetAttributes(attribute.String("start.result", "started"))
	m.logger.Info("task started",
		zap.String("task.id", id),
		zap.String("mode", mode),
		zap.Int("rounds_completed", t.RoundsCompleted),
	)
	return t, nil
}

func (m *Manager) deferStart(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusQueued {
			return fmt.Errorf("%w: start from %s", task.ErrInvalidTransition, t.Status)
		}
		t.LastGateReason = task.ReasonConcurrencyLimit
		t.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.recorder(id).Record(ctx, t.RoundsCompleted, &events.StartDeferred{
		Reason:  task.ReasonConcurrencyLimit,
		Running: m.admission.Running(),
		Limit:   m.admission.Limit(),
	}); err != nil {
		return nil, err
	}
	m.metrics.TaskStarts.WithLabelValues("deferred").Inc()
	m.logger.Info("start deferred",
		zap.String("task.id", id),
		zap.Int("running", m.admission.Running()),
		zap.Int("limit", m.admission.Limit()),
	)
	return t, nil
}

// Cancel requests cancellation. Queued and parked tasks are canceled at once;
// a running task is canceled at its next phase boundary.
func (m *Manager) Cancel(ctx context.Context, id string) (*task.Task, error) {
	var from task.Status
	now := m.now()
	t, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		from = t.Status
		switch t.Status {
		case task.StatusQueued, task.StatusWaitingManual:
			if err := t.Transition(task.StatusCanceled, now); err != nil {
				return err
			}
			t.LastGateReason = task.ReasonCanceled
		case task.StatusRunning:
			t.CancelRequested = true
			t.UpdatedAt = now
		default:
			return fmt.Errorf("%w: cancel from %s", task.ErrInvalidTransition, t.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from == task.StatusRunning {
		m.logger.Info("cancel requested", zap.String("task.id", id))
		return t, nil
	}
	rec := m.recorder(id)
	if _, err := rec.Record(ctx, t.RoundsCompleted, &events.Canceled{Boundary: string(from)}); err != nil {
		return nil, err
	}
	if _, err := rec.Record(ctx, t.RoundsCompleted, &events.TaskFinished{
		Status:          string(t.Status),
		Reason:          t.LastGateReason,
		RoundsCompleted: t.RoundsCompleted,
	}); err != nil {
		return nil, err
	}
	m.metrics.TasksFinished.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("task canceled", zap.String("task.id", id), zap.String("from", string(from)))
	return t, nil
}

// ForceFail moves any non-terminal task to failed_system and interrupts its
// run if one is in flight.
func (m *Manager) ForceFail(ctx context.Context, id, reason string) (*task.Task, error) {
	if reason == "" {
		reason = task.DefaultForceFailReason
	}
	var from task.Status
	now := m.now()
	t, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		from = t.Status
		if err := t.Transition(task.StatusFailedSystem, now); err != nil {
			return err
		}
		t.LastGateReason = reason
		t.CancelRequested = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.interrupt(id)

	rec := m.recorder(id)
	if _, err := rec.Record(ctx, t.RoundsCompleted, &events.ForceFailed{Reason: reason, FromStatus: string(from)}); err != nil {
		return nil, err
	}
	if _, err := rec.Record(ctx, t.RoundsCompleted, &events.TaskFinished{
		Status:          string(t.Status),
		Reason:          reason,
		RoundsCompleted: t.RoundsCompleted,
	}); err != nil {
		return nil, err
	}
	m.metrics.TasksFinished.WithLabelValues(string(t.Status)).Inc()
	m.logger.Warn("task force-failed",
		zap.String("task.id", id),
		zap.String("from", string(from)),
		zap.String("reason", reason),
	)
	return t, nil
}

// Decision is an operator's answer to a parked proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRevise  Decision = "revise"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionRevise
}

// AuthorDecision resolves a task parked in waiting_manual. Approve re-queues
// it with the proposal marked approved and, with autoStart, starts it.
// Reject and revise cancel it; revise keeps note for a resubmission.
func (m *Manager) AuthorDecision(ctx context.Context, id string, d Decision, note string, autoStart bool) (*task.Task, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, d)
	}
	now := m.now()
	t, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		if t.Status != task.StatusWaitingManual {
			return fmt.Errorf("%w: status %s", ErrNotWaitingManual, t.Status)
		}
		switch d {
		case DecisionApprove:
			if err := t.Transition(task.StatusQueued, now); err != nil {
				return err
			}
			t.ProposalApproved = true
			t.LastGateReason = ""
		case DecisionReject:
			if err := t.Transition(task.StatusCanceled, now); err != nil {
				return err
			}
			t.LastGateReason = task.ReasonAuthorRejected
		case DecisionRevise:
			if err := t.Transition(task.StatusCanceled, now); err != nil {
				return err
			}
			t.LastGateReason = task.ReasonAuthorRevise
		}
		if note != "" {
			t.ProposalNote = note
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec := m.recorder(id)
	if _, err := rec.Record(ctx, t.RoundsCompleted, &events.AuthorDecision{
		Decision:  string(d),
		Note:      note,
		AutoStart: autoStart,
	}); err != nil {
		return nil, err
	}
	m.logger.Info("author decision", zap.String("task.id", id), zap.String("decision", string(d)))

	if d != DecisionApprove {
		if _, err := rec.Record(ctx, t.RoundsCompleted, &events.TaskFinished{
			Status:          string(t.Status),
			Reason:          t.LastGateReason,
			RoundsCompleted: t.RoundsCompleted,
		}); err != nil {
			return nil, err
		}
		m.metrics.TasksFinished.WithLabelValues(string(t.Status)).Inc()
		return t, nil
	}
	if autoStart {
		return m.Start(ctx, id)
	}
	return t, nil
}

// PromoteRound promotes the snapshot of one round of a finished multi-round
// task into target, or into the task's merge target when target is empty.
// Guard failures are returned as *sandbox.BlockedError and leave both the
// target and the task record untouched.
func (m *Manager) PromoteRound(ctx context.Context, id string, round int, target string) (*sandbox.PromoteResult, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", task.ErrNotTerminal, t.Status)
	}
	if t.MaxRounds <= 1 || t.AutoMerge {
		return nil, ErrPromotionNotAllowed
	}
	if m.sandbox == nil {
		return nil, ErrSandboxUnavailable
	}
	rd, err := m.store.GetRound(ctx, id, round)
	if err != nil {
		return nil, err
	}
	if rd.SnapshotPath == "" {
		return nil, fmt.Errorf("%w: round %d", ErrNoSnapshot, round)
	}
	if target == "" {
		target = t.MergeTarget()
	}
	pol, err := policy.Load(t.WorkspacePath)
	if err != nil {
		return nil, err
	}

	res, status, _, err := m.promote(ctx, t, rd, rd.SnapshotPath, target, pol, task.MergeStatusPromoted)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpdateTask(ctx, id, func(t *task.Task) error {
		t.MergeStatus, t.MergeReason = status, ""
		t.UpdatedAt = m.now()
		return nil
	}); err != nil {
		m.logger.Error("failed to record merge status", zap.String("task.id", id), zap.Error(err))
	}
	m.cleanupSandbox(t)
	return res, nil
}

// promote runs one guarded promotion and records its event. It returns the
// merge status and reason to store on the task.
func (m *Manager) promote(ctx context.Context, t *task.Task, rd *task.Round, source, target string, pol *policy.Policy, success string) (*sandbox.PromoteResult, string, string, error) {
	ctx, span := m.startSpan(ctx, "lifecycle.promote", t.ID, attribute.Int("round", rd.Number))
	defer span.End()

	ev := &events.Promotion{Target: target}
	res, err := m.promoteFiles(ctx, t, rd, source, target, pol)
	if err != nil {
		reason, ok := sandbox.BlockedReason(err)
		if !ok {
			reason = task.ReasonPromotionFailed
		}
		ev.Status, ev.Reason = task.MergeStatusBlocked, reason
		span.SetStatus(codes.Error, reason)
		m.logger.Warn("promotion blocked",
			zap.String("task.id", t.ID),
			zap.Int("round", rd.Number),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else {
		ev.Status = success
		ev.Changed, ev.Deleted, ev.SummaryPath = res.Changed, res.Deleted, res.SummaryPath
		m.logger.Info("round promoted",
			zap.String("task.id", t.ID),
			zap.Int("round", rd.Number),
			zap.String("target", target),
			zap.Int("changed", len(res.Changed)),
			zap.Int("deleted", len(res.Deleted)),
		)
	}
	if _, rerr := m.recorder(t.ID).Record(ctx, rd.Number, ev); rerr != nil {
		m.logger.Error("failed to record promotion", zap.String("task.id", t.ID), zap.Error(rerr))
	}
	m.metrics.Promotions.WithLabelValues(ev.Status).Inc()
	return res, ev.Status, ev.Reason, err
}

func (m *Manager) promoteFiles(ctx context.Context, t *task.Task, rd *task.Round, source, target string, pol *policy.Policy) (*sandbox.PromoteResult, error) {
	base, err := sandbox.LoadManifest(m.sandbox.ManifestPath(t.ID))
	if err != nil {
		return nil, fmt.Errorf("load base manifest: %w", err)
	}
	return m.sandbox.Promote(ctx, sandbox.PromoteRequest{
		TaskID:          t.ID,
		Round:           rd.Number,
		Source:          source,
		Target:          target,
		BaseManifest:    base,
		ExpectedHeadSHA: rd.HeadSHA,
		EvidencePath:    rd.EvidencePath,
		Guard:           pol.Guard(m.cfg.Guard),
		Excludes:        pol.Excludes(),
	})
}

// cleanupSandbox removes a generated sandbox once its work has landed.
func (m *Manager) cleanupSandbox(t *task.Task) {
	if m.sandbox == nil || !t.SandboxGenerated || !t.SandboxCleanupOnPass {
		return
	}
	if err := m.sandbox.Remove(&sandbox.Record{Path: t.SandboxWorkspacePath, Generated: true}); err != nil {
		m.logger.Warn("failed to remove sandbox", zap.String("task.id", t.ID), zap.Error(err))
	}
}
