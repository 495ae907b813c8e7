// Package lifecycle owns task state. It accepts operator commands, admits
// runs under the concurrency limit and drives each admitted run through the
// proposal negotiation and the round loop until the task reaches a parked or
// terminal status.
//
// Every status change goes through store.UpdateTask and is checked against
// the task state machine, so a run and an operator racing on the same task
// never produce an edge that does not exist.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/admission"
	"github.com/cloveric/awe-agentforge-sub000/internal/consensus"
	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/policy"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// InstrumentationName is the OpenTelemetry instrumentation scope.
const InstrumentationName = "github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"

// DefaultSweepInterval is how often deferred starts are retried.
const DefaultSweepInterval = 15 * time.Second

// Config configures a Manager.
type Config struct {
	Executor  orchestrator.Config
	Consensus consensus.Config

	// MaxStrategyShifts bounds repeated round signatures before a run stops
	// with loop_no_progress.
	MaxStrategyShifts int

	// Guard is the deployment promotion guard. Workspace policy is merged
	// over it per task.
	Guard sandbox.Guard

	SweepInterval time.Duration

	// StreamOutput records participant output chunks as events.
	StreamOutput bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Executor:      orchestrator.DefaultConfig(),
		Consensus:     consensus.DefaultConfig(),
		SweepInterval: DefaultSweepInterval,
		StreamOutput:  true,
	}
}

// Manager is the single writer of task status.
type Manager struct {
	cfg       Config
	store     store.Store
	adapter   participant.Adapter
	admission *admission.Controller
	sandbox   *sandbox.Manager
	runner    *evidence.Runner
	redactor  events.Redactor
	memory    orchestrator.MemoryHooks
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]context.CancelFunc
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAdmission sets the admission controller. The default admits
// admission.DefaultMaxRunning runs.
func WithAdmission(c *admission.Controller) Option {
	return func(m *Manager) { m.admission = c }
}

// WithSandbox enables sandbox mode tasks.
func WithSandbox(s *sandbox.Manager) Option {
	return func(m *Manager) { m.sandbox = s }
}

// WithRunner sets the verification runner.
func WithRunner(r *evidence.Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithRedactor scrubs participant text before it reaches the event log.
func WithRedactor(r events.Redactor) Option {
	return func(m *Manager) { m.redactor = r }
}

// WithMemory attaches memory hooks to proposal negotiation and every round.
func WithMemory(h orchestrator.MemoryHooks) Option {
	return func(m *Manager) { m.memory = h }
}

// WithMetrics sets the metrics sink. The default is unregistered.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager over st that invokes participants through adapter.
func New(cfg Config, st store.Store, adapter participant.Adapter, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		adapter: adapter,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(InstrumentationName),
		now:     time.Now,
		runs:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.admission == nil {
		m.admission = admission.New(admission.DefaultMaxRunning)
	}
	if m.runner == nil {
		m.runner = evidence.NewRunner(filepath.Join(os.TempDir(), "agentforge", "evidence"))
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	m.logger = m.logger.Named("lifecycle")
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	return m
}

// Close stops accepting starts, interrupts in-flight runs and waits for them
// to record their final status.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	return nil
}

// Wait blocks until every in-flight run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() store.Store {
	return m.store
}

// CreateRequest is the operator input for a new task.
type CreateRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Author      participant.Ref   `json:"author"`
	Reviewers   []participant.Ref `json:"reviewers"`

	SandboxMode  bool `json:"sandbox_mode"`
	SelfLoopMode bool `json:"self_loop_mode"`
	AutoMerge    bool `json:"auto_merge"`
	DebateMode   bool `json:"debate_mode"`

	MaxRounds     int                `json:"max_rounds"`
	EvolveUntil   *time.Time         `json:"evolve_until,omitempty"`
	RepairMode    task.RepairMode    `json:"repair_mode,omitempty"`
	PhaseTimeouts map[task.Phase]int `json:"phase_timeouts,omitempty"`

	WorkspacePath        string   `json:"workspace_path"`
	SandboxWorkspacePath string   `json:"sandbox_workspace_path,omitempty"`
	MergeTargetPath      string   `json:"merge_target_path,omitempty"`
	VerificationCommands []string `json:"verification_commands,omitempty"`

	// ProposalNote seeds the first proposal draft.
	ProposalNote string `json:"proposal_note,omitempty"`

	AutoStart bool `json:"auto_start"`
}

// Create validates req, stores a queued task and, when requested, starts it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	pol, err := policy.Load(req.WorkspacePath)
	if err != nil {
		return nil, err
	}

	now := m.now()
	t := &task.Task{
		ID:                   uuid.NewString(),
		Title:                req.Title,
		Description:          req.Description,
		Author:               req.Author,
		Reviewers:            req.Reviewers,
		Status:               task.StatusQueued,
		SandboxMode:          req.SandboxMode,
		SelfLoopMode:         req.SelfLoopMode,
		AutoMerge:            req.AutoMerge,
		DebateMode:           req.DebateMode,
		MaxRounds:            req.MaxRounds,
		EvolveUntil:          req.EvolveUntil,
		RepairMode:           req.RepairMode,
		PhaseTimeouts:        req.PhaseTimeouts,
		WorkspacePath:        req.WorkspacePath,
		SandboxWorkspacePath: req.SandboxWorkspacePath,
		MergeTargetPath:      req.MergeTargetPath,
		VerificationCommands: pol.VerificationCommands(req.VerificationCommands),
		ProposalNote:         req.ProposalNote,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if t.MaxRounds == 0 {
		t.MaxRounds = 1
	}
	if t.RepairMode == "" {
		t.RepairMode = task.RepairBalanced
	}
	if err := t.Validate(now); err != nil {
		return nil, err
	}
	return m.insert(ctx, t, req.AutoStart)
}

func (m *Manager) insert(ctx context.Context, t *task.Task, autoStart bool) (*task.Task, error) {
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	rec := m.recorder(t.ID)
	if _, err := rec.Record(ctx, 0, &events.TaskCreated{
		Title:     t.Title,
		Author:    t.Author.String(),
		Reviewers: len(t.Reviewers),
		Manual:    t.ManualMode(),
	}); err != nil {
		return nil, err
	}
	m.metrics.TasksCreated.Inc()
	m.logger.Info("task created",
		zap.String("task.id", t.ID),
		zap.String("author", t.Author.String()),
		zap.Int("reviewers", len(t.Reviewers)),
		zap.Bool("manual", t.ManualMode()),
	)
	if autoStart {
		return m.Start(ctx, t.ID)
	}
	return t, nil
}

// Resubmit queues a fresh task with the configuration of a finished one. A
// note left by a revise decision carries over into the new proposal.
func (m *Manager) Resubmit(ctx context.Context, id string, autoStart bool) (*task.Task, error) {
	prev, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", task.ErrNotTerminal, prev.Status)
	}

	now := m.now()
	t := prev.Clone()
	t.ID = uuid.NewString()
	t.Status = task.StatusQueued
	t.LastGateReason = ""
	t.CancelRequested = false
	t.RoundsCompleted = 0
	t.ProposalApproved = false
	t.MergeStatus, t.MergeReason = task.MergeStatusNone, ""
	t.WorkspaceFingerprint = ""
	if t.SandboxGenerated {
		t.SandboxWorkspacePath, t.SandboxGenerated, t.SandboxCleanupOnPass = "", false, false
	}
	if t.EvolveUntil != nil && !t.EvolveUntil.After(now) {
		t.EvolveUntil = nil
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return m.insert(ctx, t, autoStart)
}

// Get returns one task.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.store.GetTask(ctx, id)
}

// List returns tasks matching f.
func (m *Manager) List(ctx context.Context, f store.ListFilter) ([]*task.Task, error) {
	return m.store.ListTasks(ctx, f)
}

// Rounds returns a task's rounds in order.
func (m *Manager) Rounds(ctx context.Context, id string) ([]*task.Round, error) {
	if _, err := m.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListRounds(ctx, id)
}

// Events returns a task's events with seq greater than afterSeq.
func (m *Manager) Events(ctx context.Context, id string, afterSeq int64) ([]events.Event, error) {
	if _, err := m.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Events().List(ctx, id, afterSeq)
}

// ClearHistory deletes a terminal task with its rounds, events and artifacts.
func (m *Manager) ClearHistory(ctx context.Context, id string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", task.ErrNotTerminal, t.Status)
	}
	if err := m.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if m.sandbox != nil && t.SandboxGenerated {
		if err := m.sandbox.Remove(&sandbox.Record{Path: t.SandboxWorkspacePath, Generated: true}); err != nil {
			m.logger.Warn("failed to remove sandbox", zap.String("task.id", id), zap.Error(err))
		}
	}
	if err := os.RemoveAll(filepath.Join(m.runner.Root(), id)); err != nil {
		m.logger.Warn("failed to remove evidence", zap.String("task.id", id), zap.Error(err))
	}
	m.logger.Info("task history cleared", zap.String("task.id", id))
	return nil
}

// Recover fails tasks left running by a previous process. It must run before
// any start is accepted.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	running, err := m.store.ListTasks(ctx, store.ListFilter{Statuses: []task.Status{task.StatusRunning}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range running {
		if _, ok := m.admission.Lookup(t.ID); ok {
			continue
		}
		r := m.newRun(t.ID)
		if r.finish(ctx, task.StatusFailedSystem, task.ReasonRunInterrupted, nil,
			&events.SystemFailure{Reason: task.ReasonRunInterrupted, Error: "process restarted while the task was running"},
		) {
			n++
		}
	}
	if n > 0 {
		m.logger.Warn("interrupted runs marked failed", zap.Int("count", n))
	}
	return n, nil
}

func (m *Manager) recorder(id string) *events.Recorder {
	return events.NewRecorder(m.store.Events(), id, m.redactor)
}

func (m *Manager) startSpan(ctx context.Context, name, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("task.id", id)}, attrs...)
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// launch registers a run and starts it in the background.
func (m *Manager) launch(ticket *admission.Ticket, t *task.Task) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.runs[t.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, ticket, t)
	return nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	if cancel, ok := m.runs[id]; ok {
		cancel()
		delete(m.runs, id)
	}
	m.mu.Unlock()
}

// interrupt cancels the context of an in-flight run.
func (m *Manager) interrupt(id string) {
	m.mu.Lock()
	cancel, ok := m.runs[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}
