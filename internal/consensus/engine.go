// Package consensus runs the proposal negotiation between a task's author and
// its reviewers before any implementation round starts.
//
// A proposal round ends when reviewers agree, when they raise a blocker, or
// when the retry budget for non-committal verdicts runs out. Two independent
// guards stop negotiations that make no progress: too many retries inside one
// round, and the same blocker signature on too many consecutive rounds.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/review"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// Defaults for Config.
const (
	DefaultMaxRetriesPerRound   = 10
	DefaultMaxRepeatedSignature = 4
	DefaultMaxProposalRounds    = 12
	DefaultTimeout              = 10 * time.Minute
	DefaultRecallLimit          = 5
)

// Config holds the negotiation bounds.
type Config struct {
	MaxRetriesPerRound   int
	MaxRepeatedSignature int
	MaxProposalRounds    int
	Timeout              time.Duration

	// RecallLimit bounds the memories recalled into proposal prompts. Zero
	// disables recall.
	RecallLimit int

	// ArtifactsRoot receives stall artifacts. Empty disables them.
	ArtifactsRoot string
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MaxRetriesPerRound:   DefaultMaxRetriesPerRound,
		MaxRepeatedSignature: DefaultMaxRepeatedSignature,
		MaxProposalRounds:    DefaultMaxProposalRounds,
		Timeout:              DefaultTimeout,
		RecallLimit:          DefaultRecallLimit,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetriesPerRound <= 0 {
		c.MaxRetriesPerRound = d.MaxRetriesPerRound
	}
	if c.MaxRepeatedSignature <= 0 {
		c.MaxRepeatedSignature = d.MaxRepeatedSignature
	}
	if c.MaxProposalRounds <= 0 {
		c.MaxProposalRounds = d.MaxProposalRounds
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Outcome is how a negotiation ended.
type Outcome string

const (
	OutcomeAgreed              Outcome = "agreed"
	OutcomeStalledInRound      Outcome = "stalled_in_round"
	OutcomeStalledAcrossRounds Outcome = "stalled_across_rounds"
	OutcomeRoundsExhausted     Outcome = "rounds_exhausted"
	OutcomeAuthorFailed        Outcome = "author_failed"
	OutcomeCanceled            Outcome = "canceled"
)

// Result is returned by Run.
type Result struct {
	Outcome       Outcome
	Reason        string
	ProposalRound int
	Retries       int
	Proposal      string
	Signature     string
	ArtifactPath  string
}

// State is the live negotiation state. It exists only while Run executes.
type State struct {
	ProposalRound int            `json:"proposal_round"`
	Retries       int            `json:"retries"`
	Signature     string         `json:"signature,omitempty"`
	Repeats       int            `json:"repeats"`
	Latest        review.Summary `json:"latest"`
}

// observeBlocker folds a round-ending blocker signature into the rolling
// signature and returns how many consecutive rounds carried it.
func (s *State) observeBlocker(sig string) int {
	if sig != "" && sig == s.Signature {
		s.Repeats++
	} else {
		s.Signature, s.Repeats = sig, 1
	}
	return s.Repeats
}

// CancelCheck reports whether cancellation was requested. It is consulted only
// between invocations.
type CancelCheck func(ctx context.Context) bool

// Engine drives the negotiation.
type Engine struct {
	cfg     Config
	adapter participant.Adapter
	sink    participant.Sink
	hooks   orchestrator.MemoryHooks
	memory  *orchestrator.GuardedMemory
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSink streams participant output chunks to s.
func WithSink(s participant.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithMemory recalls learnings into the author's proposal prompts. Recall
// failures are logged and the negotiation continues without them.
func WithMemory(h orchestrator.MemoryHooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// New creates an engine that invokes participants through adapter.
func New(cfg Config, adapter participant.Adapter, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.withDefaults(), adapter: adapter, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("consensus")
	e.memory = orchestrator.NewGuardedMemory(e.hooks, e.logger)
	return e
}

type run struct {
	e        *Engine
	t        *task.Task
	rec      *events.Recorder
	canceled CancelCheck
	st       State
	proposal string
	memories []orchestrator.Memory
	timeout  time.Duration
	log      *zap.Logger
}

// Run negotiates a proposal for t. Returned errors are system failures such as
// an event log that cannot be written; protocol outcomes are reported in
// Result.
func (e *Engine) Run(ctx context.Context, t *task.Task, rec *events.Recorder, canceled CancelCheck) (Result, error) {
	if canceled == nil {
		canceled = func(context.Context) bool { return false }
	}
	r := &run{
		e:        e,
		t:        t,
		rec:      rec,
		canceled: canceled,
		timeout:  t.PhaseTimeout(task.PhaseProposal, e.cfg.Timeout),
		log:      e.logger.With(zap.String("task.id", t.ID)),
	}
	r.memories, _ = e.memory.Recall(ctx, t, e.cfg.RecallLimit)
	return r.negotiate(ctx)
}

func (r *run) negotiate(ctx context.Context) (Result, error) {
	cfg := r.e.cfg
	feedback := ""
	for round := 1; round <= cfg.MaxProposalRounds; round++ {
		r.st.ProposalRound = round
		r.st.Retries = 0

		if r.canceled(ctx) {
			return r.result(OutcomeCanceled, task.ReasonCanceled), nil
		}
		out, failed, err := r.author(ctx, draftPrompt(r.t, r.memories, r.proposal, feedback))
		if err != nil {
			return Result{}, err
		}
		if failed != "" {
			return r.authorFailed(failed), nil
		}
		r.proposal = out

		if r.t.DebateMode {
			pre, err := r.evaluate(ctx, true)
			if err != nil {
				return Result{}, err
			}
			if r.canceled(ctx) {
				return r.result(OutcomeCanceled, task.ReasonCanceled), nil
			}
			out, failed, err := r.author(ctx, revisePrompt(r.t, r.memories, r.proposal, pre.Text(), true))
			if err != nil {
				return Result{}, err
			}
			if failed != "" {
				return r.authorFailed(failed), nil
			}
			r.proposal = out
		}

		for {
			if r.canceled(ctx) {
				return r.result(OutcomeCanceled, task.ReasonCanceled), nil
			}
			sum, err := r.evaluate(ctx, false)
			if err != nil {
				return Result{}, err
			}

			if sum.Unanimous() {
				if _, err := r.rec.Record(ctx, 0, &events.AuthorConfirmationRequired{
					ProposalRound: round,
					Proposal:      r.proposal,
				}); err != nil {
					return Result{}, err
				}
				r.log.Info("proposal agreed", zap.Int("proposal_round", round), zap.Int("retries", r.st.Retries))
				return r.result(OutcomeAgreed, task.ReasonAuthorConfirmation), nil
			}

			if sum.Verdict == review.Blocker {
				sig := sum.Signature()
				if repeats := r.st.observeBlocker(sig); repeats >= cfg.MaxRepeatedSignature {
					if _, err := r.rec.Record(ctx, 0, &events.StalledAcrossRounds{
						ProposalRound: round,
						Signature:     sig,
						Repeats:       repeats,
					}); err != nil {
						return Result{}, err
					}
					r.log.Warn("proposal stalled across rounds", zap.String("signature", sig), zap.Int("repeats", repeats))
					return r.result(OutcomeStalledAcrossRounds, task.ReasonStalledAcrossRounds), nil
				}
				feedback = sum.Text()
				break
			}

			r.st.Retries++
			if r.st.Retries > cfg.MaxRetriesPerRound {
				return r.stallInRound(ctx)
			}
			if r.canceled(ctx) {
				return r.result(OutcomeCanceled, task.ReasonCanceled), nil
			}
			out, failed, err := r.author(ctx, revisePrompt(r.t, r.memories, r.proposal, sum.Text(), false))
			if err != nil {
				return Result{}, err
			}
			if failed != "" {
				return r.authorFailed(failed), nil
			}
			r.proposal = out
		}
	}
	r.log.Warn("proposal rounds exhausted", zap.Int("rounds", cfg.MaxProposalRounds))
	return r.result(OutcomeRoundsExhausted, task.ReasonProposalRoundsExhausted), nil
}

func (r *run) result(o Outcome, reason string) Result {
	return Result{
		Outcome:       o,
		Reason:        reason,
		ProposalRound: r.st.ProposalRound,
		Retries:       r.st.Retries,
		Proposal:      r.proposal,
		Signature:     r.st.Signature,
	}
}

func (r *run) authorFailed(reason participant.FailureReason) Result {
	return r.result(OutcomeAuthorFailed, task.PhaseFailureReason(task.PhaseProposal, string(reason)))
}

// author invokes the task author. A runtime failure is returned as a
// non-empty reason; err is reserved for event log failures.
func (r *run) author(ctx context.Context, prompt string) (string, participant.FailureReason, error) {
	phase := string(task.PhaseProposal)
	res := r.e.adapter.Invoke(ctx, participant.Request{
		Participant: r.t.Author,
		Role:        participant.RoleAuthor,
		Phase:       phase,
		Prompt:      prompt,
		Timeout:     r.timeout,
		WorkDir:     r.t.WorkDir(),
		OnChunk:     r.e.sink.Bind(phase, r.t.Author),
	})
	if _, err := r.rec.Record(ctx, 0, &events.PhaseCompleted{
		Phase:       phase,
		Participant: r.t.Author.String(),
		OK:          res.OK,
		Reason:      string(res.Reason),
		DurationMS:  res.Duration.Milliseconds(),
		Output:      res.Output,
	}); err != nil {
		return "", "", err
	}
	if !res.OK {
		r.log.Warn("author failed during proposal",
			zap.String("reason", string(res.Reason)),
			zap.String("detail", res.Detail),
		)
		return "", res.Reason, nil
	}
	return res.Output, "", nil
}

func (r *run) evaluate(ctx context.Context, precheck bool) (review.Summary, error) {
	phase := string(task.PhaseProposal)
	outcomes := review.Panel{Adapter: r.e.adapter}.Evaluate(ctx, r.t.Reviewers, func(who participant.Ref) participant.Request {
		return participant.Request{
			Phase:   phase,
			Prompt:  reviewPrompt(r.t, r.proposal, precheck),
			Timeout: r.timeout,
			WorkDir: r.t.WorkDir(),
			OnChunk: r.e.sink.Bind(phase, who),
		}
	})
	for _, o := range review.Downgraded(outcomes) {
		if _, err := r.rec.Record(ctx, 0, &events.ReviewerDowngraded{
			Phase:    phase,
			Reviewer: o.Reviewer.String(),
			Reason:   string(o.Failure),
		}); err != nil {
			return review.Summary{}, err
		}
	}
	sum := review.Aggregate(outcomes)
	r.st.Latest = sum
	if _, err := r.rec.Record(ctx, 0, &events.ProposalReview{
		ProposalRound: r.st.ProposalRound,
		Retry:         r.st.Retries,
		Precheck:      precheck,
		Verdict:       sum.Verdict,
		Signature:     sum.Signature(),
		Outcomes:      append([]review.Outcome(nil), outcomes...),
	}); err != nil {
		return review.Summary{}, err
	}
	return sum, nil
}

type stallArtifact struct {
	TaskID   string    `json:"task_id"`
	State    State     `json:"state"`
	Proposal string    `json:"proposal"`
	At       time.Time `json:"at"`
}

func (r *run) stallInRound(ctx context.Context) (Result, error) {
	res := r.result(OutcomeStalledInRound, task.ReasonStalledInRound)
	path, err := r.writeStallArtifact()
	if err != nil {
		r.log.Warn("write stall artifact failed", zap.Error(err))
	}
	res.ArtifactPath = path
	if _, err := r.rec.Record(ctx, 0, &events.StalledInRound{
		ProposalRound: r.st.ProposalRound,
		Retries:       r.st.Retries,
		ArtifactPath:  path,
	}); err != nil {
		return Result{}, err
	}
	r.log.Warn("proposal stalled in round",
		zap.Int("proposal_round", r.st.ProposalRound),
		zap.Int("retries", r.st.Retries),
	)
	return res, nil
}

func (r *run) writeStallArtifact() (string, error) {
	root := r.e.cfg.ArtifactsRoot
	if root == "" {
		return "", nil
	}
	path := filepath.Join(root, r.t.ID, "proposal", fmt.Sprintf("stall-round-%d.json", r.st.ProposalRound))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(stallArtifact{
		TaskID:   r.t.ID,
		State:    r.st,
		Proposal: r.proposal,
		At:       time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
