package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/admission"
	"github.com/cloveric/awe-agentforge-sub000/internal/config"
	"github.com/cloveric/awe-agentforge-sub000/internal/evidence"
	api "github.com/cloveric/awe-agentforge-sub000/internal/http"
	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/logging"
	"github.com/cloveric/awe-agentforge-sub000/internal/orchestrator"
	"github.com/cloveric/awe-agentforge-sub000/internal/telemetry"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentforge control plane",
	Long: `Start the HTTP control plane. Configuration is read from --config (default
~/.config/agentforge/config.yaml) and AGENTFORGE_ environment variables.

Tasks left running by a previous process are marked failed_system with reason
run_interrupted on startup.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return run(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path")
}

// run starts the control plane and blocks until ctx is cancelled.
//
//  1. Initializes logging and tracing
//  2. Opens the store and connects NATS and the memory server
//  3. Builds the lifecycle manager and recovers interrupted tasks
//  4. Serves HTTP until ctx is done, then drains runs
func run(ctx context.Context, cfg *config.Config) error {
	det, err := newDetector(cfg)
	if err != nil {
		return err
	}
	logCfg, err := logging.FromSettings(cfg.Logging, cfg.Observability.ServiceName)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	if det != nil {
		logCfg.Redaction.Scrubber = det
	}
	var otelProvider otellog.LoggerProvider
	if cfg.Logging.OTEL {
		otelProvider = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(logCfg, otelProvider)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version), zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			zl.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting agentforge",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", cfg.Providers()),
		zap.Int("max_running", cfg.Admission.MaxRunning))

	deps, err := initDependencies(ctx, cfg, det, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	opts := []lifecycle.Option{
		lifecycle.WithLogger(zl),
		lifecycle.WithAdmission(admission.New(cfg.Admission.MaxRunning)),
		lifecycle.WithSandbox(deps.sandbox),
		lifecycle.WithRunner(evidence.NewRunner(cfg.Sandbox.EvidenceRoot, evidence.WithLogger(zl))),
		lifecycle.WithTracer(tel.Tracer(lifecycle.InstrumentationName)),
	}
	if deps.detector != nil {
		opts = append(opts, lifecycle.WithRedactor(deps.detector))
	}
	if deps.memory != nil {
		opts = append(opts, lifecycle.WithMemory(orchestrator.NewToolMemory(deps.memory)))
	}

	var httpOpts []api.Option
	if cfg.Observability.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, lifecycle.WithMetrics(lifecycle.NewMetrics(reg)))
		httpOpts = append(httpOpts, api.WithRegistry(reg))
	}

	mgr := lifecycle.New(lifecycleConfig(cfg), deps.store, deps.adapter, opts...)
	defer func() {
		_ = mgr.Close()
	}()

	recovered, err := mgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if recovered > 0 {
		logger.Warn(ctx, "marked interrupted tasks failed", zap.Int("count", recovered))
	}
	go mgr.RunSweeper(ctx, cfg.Admission.SweepInterval.Duration())

	srv, err := api.NewServer(mgr, logger, &api.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, httpOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	// Close interrupts in-flight runs; they record run_interrupted.
	if err := mgr.Close(); err != nil {
		return fmt.Errorf("closing manager: %w", err)
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}
