// Package config provides configuration loading for agentforge.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then AGENTFORGE_ environment variables. See Load.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds the complete agentforge configuration.
type Config struct {
	Server        ServerConfig                 `koanf:"server"`
	Store         StoreConfig                  `koanf:"store"`
	Admission     AdmissionConfig              `koanf:"admission"`
	Phases        PhasesConfig                 `koanf:"phases"`
	Consensus     ConsensusConfig              `koanf:"consensus"`
	Deadloop      DeadloopConfig               `koanf:"deadloop"`
	Sandbox       SandboxConfig                `koanf:"sandbox"`
	Promotion     PromotionConfig              `koanf:"promotion"`
	Participants  map[string]ParticipantConfig `koanf:"participants"`
	Events        EventsConfig                 `koanf:"events"`
	Memory        MemoryConfig                 `koanf:"memory"`
	Logging       LoggingConfig                `koanf:"logging"`
	Observability ObservabilityConfig          `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects where tasks, rounds and events are kept.
type StoreConfig struct {
	Driver  string `koanf:"driver"`
	DataDir string `koanf:"data_dir"`
	Path    string `koanf:"path"`
}

// AdmissionConfig bounds concurrent runs.
type AdmissionConfig struct {
	MaxRunning    int      `koanf:"max_running"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// PhasesConfig holds deployment-wide phase timeouts. Tasks may override them.
type PhasesConfig struct {
	Proposal       Duration `koanf:"proposal"`
	Discussion     Duration `koanf:"discussion"`
	Implementation Duration `koanf:"implementation"`
	Review         Duration `koanf:"review"`
	Verification   Duration `koanf:"verification"`
}

// ConsensusConfig bounds proposal negotiation.
type ConsensusConfig struct {
	MaxRetriesPerRound   int `koanf:"max_retries_per_round"`
	MaxRepeatedSignature int `koanf:"max_repeated_signature"`
	MaxProposalRounds    int `koanf:"max_proposal_rounds"`
}

// DeadloopConfig bounds strategy shifts on a repeated round signature.
type DeadloopConfig struct {
	MaxStrategyShifts int `koanf:"max_strategy_shifts"`
}

// SandboxConfig locates sandboxes and round artifacts.
type SandboxConfig struct {
	Root             string   `koanf:"root"`
	ArtifactsRoot    string   `koanf:"artifacts_root"`
	EvidenceRoot     string   `koanf:"evidence_root"`
	Excludes         []string `koanf:"excludes"`
	ScanSecrets      bool     `koanf:"scan_secrets"`
	SecretAllowPaths []string `koanf:"secret_allow_paths"`
}

// PromotionConfig is the deployment promotion guard. A workspace policy file
// may add branches and tighten RequireClean.
type PromotionConfig struct {
	AllowedBranches []string `koanf:"allowed_branches"`
	RequireClean    bool     `koanf:"require_clean"`
}

// ParticipantConfig describes one provider CLI and its pacing.
type ParticipantConfig struct {
	Command           []string          `koanf:"command"`
	PromptMode        string            `koanf:"prompt_mode"`
	Env               map[string]string `koanf:"env"`
	LimitPatterns     []string          `koanf:"limit_patterns"`
	MaxOutputBytes    int               `koanf:"max_output_bytes"`
	RequestsPerSecond float64           `koanf:"requests_per_second"`
	Burst             int               `koanf:"burst"`
}

// EventsConfig controls event streaming and NATS fan-out.
type EventsConfig struct {
	StreamOutput  bool   `koanf:"stream_output"`
	NATSURL       string `koanf:"nats_url"`
	NATSToken     Secret `koanf:"nats_token"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MemoryConfig locates an MCP memory server. An empty endpoint disables
// recall and persistence.
type MemoryConfig struct {
	Endpoint    string   `koanf:"endpoint"`
	RecallLimit int      `koanf:"recall_limit"`
	Timeout     Duration `koanf:"timeout"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// ObservabilityConfig holds metrics and tracing configuration.
type ObservabilityConfig struct {
	EnableMetrics   bool    `koanf:"enable_metrics"`
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	TraceSampleRate float64 `koanf:"trace_sample_rate"`
}

var providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store path required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", c.Store.Driver, DriverSQLite, DriverMemory)
	}

	if c.Admission.MaxRunning < 1 {
		return fmt.Errorf("admission max_running must be at least 1, got %d", c.Admission.MaxRunning)
	}
	if c.Admission.SweepInterval <= 0 {
		return errors.New("admission sweep_interval must be positive")
	}

	for name, d := range map[string]Duration{
		"proposal":       c.Phases.Proposal,
		"discussion":     c.Phases.Discussion,
		"implementation": c.Phases.Implementation,
		"review":         c.Phases.Review,
		"verification":   c.Phases.Verification,
	} {
		if d <= 0 {
			return fmt.Errorf("phase timeout %s must be positive", name)
		}
	}

	if c.Consensus.MaxRetriesPerRound < 1 || c.Consensus.MaxRepeatedSignature < 1 || c.Consensus.MaxProposalRounds < 1 {
		return errors.New("consensus bounds must be at least 1")
	}
	if c.Deadloop.MaxStrategyShifts < 1 {
		return errors.New("deadloop max_strategy_shifts must be at least 1")
	}

	if c.Sandbox.Root == "" || c.Sandbox.ArtifactsRoot == "" || c.Sandbox.EvidenceRoot == "" {
		return errors.New("sandbox root, artifacts_root and evidence_root are required")
	}
	for _, p := range c.Sandbox.SecretAllowPaths {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid secret allow path %q: %w", p, err)
		}
	}

	for name, p := range c.Participants {
		if !providerName.MatchString(name) {
			return fmt.Errorf("invalid participant provider name %q", name)
		}
		if len(p.Command) == 0 || p.Command[0] == "" {
			return fmt.Errorf("participant %s: command is required", name)
		}
		if p.PromptMode != "" && p.PromptMode != "stdin" && p.PromptMode != "arg" {
			return fmt.Errorf("participant %s: prompt_mode must be stdin or arg, got %q", name, p.PromptMode)
		}
		if p.RequestsPerSecond < 0 || p.Burst < 0 {
			return fmt.Errorf("participant %s: pacing must not be negative", name)
		}
	}

	if c.Memory.Endpoint != "" {
		if c.Memory.RecallLimit < 0 {
			return fmt.Errorf("memory recall_limit must not be negative, got %d", c.Memory.RecallLimit)
		}
		if c.Memory.Timeout <= 0 {
			return errors.New("memory timeout must be positive")
		}
	}

	if !slices.Contains([]string{"json", "console"}, c.Logging.Format) {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Observability.EnableTelemetry {
		if c.Observability.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Observability.OTLPEndpoint == "" {
			return errors.New("otlp_endpoint required when telemetry is enabled")
		}
	}
	if p := c.Observability.OTLPProtocol; p != "" && p != "grpc" && p != "http/protobuf" {
		return fmt.Errorf("otlp_protocol must be grpc or http/protobuf, got %q", p)
	}
	if r := c.Observability.TraceSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("trace_sample_rate must be between 0 and 1, got %v", r)
	}
	return nil
}

// Providers returns the configured participant providers, sorted.
func (c *Config) Providers() []string {
	names := make([]string, 0, len(c.Participants))
	for name := range c.Participants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolvePaths fills unset paths from the data directory.
func (c *Config) resolvePaths() {
	dir := c.Store.DataDir
	if c.Store.Path == "" && c.Store.Driver == DriverSQLite {
		c.Store.Path = filepath.Join(dir, "agentforge.db")
	}
	if c.Sandbox.Root == "" {
		c.Sandbox.Root = filepath.Join(dir, "sandboxes")
	}
	if c.Sandbox.ArtifactsRoot == "" {
		c.Sandbox.ArtifactsRoot = filepath.Join(dir, "artifacts")
	}
	if c.Sandbox.EvidenceRoot == "" {
		c.Sandbox.EvidenceRoot = filepath.Join(dir, "evidence")
	}
}
