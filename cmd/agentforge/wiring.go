package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/config"
	"github.com/cloveric/awe-agentforge-sub000/internal/consensus"
	"github.com/cloveric/awe-agentforge-sub000/internal/events"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/logging"
	"github.com/cloveric/awe-agentforge-sub000/internal/mcp"
	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/participant"
	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
	"github.com/cloveric/awe-agentforge-sub000/internal/secrets"
	"github.com/cloveric/awe-agentforge-sub000/internal/store"
	"github.com/cloveric/awe-agentforge-sub000/internal/task"
)

// lifecycleConfig maps the file/env configuration onto the manager.
func lifecycleConfig(cfg *config.Config) lifecycle.Config {
	lc := lifecycle.DefaultConfig()
	lc.Executor = orchestrator.Config{
		PhaseTimeouts: map[task.Phase]time.Duration{
			task.PhaseProposal:       cfg.Phases.Proposal.Duration(),
			task.PhaseDiscussion:     cfg.Phases.Discussion.Duration(),
			task.PhaseImplementation: cfg.Phases.Implementation.Duration(),
			task.PhaseReview:         cfg.Phases.Review.Duration(),
			task.PhaseVerification:   cfg.Phases.Verification.Duration(),
		},
		RecallLimit: cfg.Memory.RecallLimit,
	}
	lc.Consensus = consensus.Config{
		MaxRetriesPerRound:   cfg.Consensus.MaxRetriesPerRound,
		MaxRepeatedSignature: cfg.Consensus.MaxRepeatedSignature,
		MaxProposalRounds:    cfg.Consensus.MaxProposalRounds,
		Timeout:              cfg.Phases.Proposal.Duration(),
		RecallLimit:          cfg.Memory.RecallLimit,
		ArtifactsRoot:        cfg.Sandbox.ArtifactsRoot,
	}
	lc.MaxStrategyShifts = cfg.Deadloop.MaxStrategyShifts
	lc.Guard = sandbox.Guard{
		AllowedBranches: cfg.Promotion.AllowedBranches,
		RequireClean:    cfg.Promotion.RequireClean,
	}
	lc.SweepInterval = cfg.Admission.SweepInterval.Duration()
	lc.StreamOutput = cfg.Events.StreamOutput
	return lc
}

// participantAdapter registers one command adapter per configured provider
// and paces them.
func participantAdapter(cfg *config.Config, logger *zap.Logger) (participant.Adapter, error) {
	reg := participant.NewRegistry(logger)
	pacing := make(map[string]participant.Pacing)
	for _, name := range cfg.Providers() {
		p := cfg.Participants[name]
		adapter, err := participant.NewCommandAdapter(participant.CommandConfig{
			Command:        p.Command,
			PromptMode:     participant.PromptMode(p.PromptMode),
			Env:            p.Env,
			LimitPatterns:  p.LimitPatterns,
			MaxOutputBytes: p.MaxOutputBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", name, err)
		}
		reg.Register(name, adapter)
		if p.RequestsPerSecond > 0 {
			pacing[name] = participant.Pacing{RequestsPerSecond: p.RequestsPerSecond, Burst: p.Burst}
		}
	}
	if len(pacing) == 0 {
		return reg, nil
	}
	return participant.NewRateLimited(reg, pacing), nil
}

// dependencies holds infrastructure owned by serve.
type dependencies struct {
	store    store.Store
	adapter  participant.Adapter
	detector *secrets.Detector
	sandbox  *sandbox.Manager
	natsConn *nats.Conn
	memory   *mcp.Client
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			d.logger.Warn("closing memory session", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing store", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
}

// newDetector returns the gitleaks detector, or nil when secret scanning is
// off.
func newDetector(cfg *config.Config) (*secrets.Detector, error) {
	if !cfg.Sandbox.ScanSecrets {
		return nil, nil
	}
	det, err := secrets.NewDetector(&secrets.Allowlist{Paths: cfg.Sandbox.SecretAllowPaths})
	if err != nil {
		return nil, fmt.Errorf("failed to create secret detector: %w", err)
	}
	return det, nil
}

// initDependencies opens the store, connects NATS and the memory server when
// configured, and builds the participant and sandbox layers. det may be nil.
func initDependencies(ctx context.Context, cfg *config.Config, det *secrets.Detector, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{detector: det, logger: logger}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	deps.store = st

	if cfg.Events.NATSURL != "" {
		opts := []nats.Option{
			nats.Name("agentforge"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		}
		if cfg.Events.NATSToken.IsSet() {
			opts = append(opts, nats.Token(cfg.Events.NATSToken.Value()))
		}
		nc, err := nats.Connect(cfg.Events.NATSURL, opts...)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		deps.natsConn = nc
		pub := events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix)
		deps.store = store.WithEventLog(st, events.NewFanout(st.Events(), logger, pub))
		logger.Info("publishing events to NATS",
			zap.String("url", cfg.Events.NATSURL),
			zap.String("subject_prefix", cfg.Events.SubjectPrefix),
			logging.Secret("token", cfg.Events.NATSToken))
	}

	if cfg.Memory.Endpoint != "" {
		client, err := mcp.Dial(ctx, mcp.ClientConfig{
			Endpoint: cfg.Memory.Endpoint,
			Name:     "agentforge",
			Version:  version,
			Timeout:  cfg.Memory.Timeout.Duration(),
			Logger:   logger,
		})
		if err != nil {
			// Memory is advisory; runs proceed without recall.
			logger.Warn("memory server unavailable", zap.String("endpoint", cfg.Memory.Endpoint), zap.Error(err))
		} else {
			deps.memory = client
		}
	}

	sbOpts := []sandbox.Option{sandbox.WithLogger(logger), sandbox.WithExcludes(cfg.Sandbox.Excludes...)}
	if deps.detector != nil {
		sbOpts = append(sbOpts, sandbox.WithDetector(deps.detector))
	}
	deps.sandbox = sandbox.NewManager(cfg.Sandbox.Root, cfg.Sandbox.ArtifactsRoot, sbOpts...)

	adapter, err := participantAdapter(cfg, logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.adapter = adapter
	return deps, nil
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; tasks are lost on restart")
		return store.NewMemory(), nil
	case config.DriverSQLite:
		st, err := store.OpenSQLite(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Store.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
