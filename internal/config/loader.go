package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AGENTFORGE_"
)

// defaults is the lowest configuration layer.
const defaults = `
server:
  host: 127.0.0.1
  http_port: 8787
  shutdown_timeout: 10s
store:
  driver: sqlite
admission:
  max_running: 4
  sweep_interval: 15s
phases:
  proposal: 10m
  discussion: 10m
  implementation: 30m
  review: 15m
  verification: 20m
consensus:
  max_retries_per_round: 10
  max_repeated_signature: 4
  max_proposal_rounds: 12
deadloop:
  max_strategy_shifts: 2
sandbox:
  scan_secrets: true
promotion:
  require_clean: true
events:
  stream_output: true
  subject_prefix: agentforge.events
memory:
  recall_limit: 5
  timeout: 10s
logging:
  level: info
  format: json
  otel: false
  sampling: true
observability:
  enable_metrics: true
  enable_telemetry: false
  service_name: agentforge
  otlp_endpoint: localhost:4317
  otlp_protocol: grpc
  otlp_insecure: true
  trace_sample_rate: 1.0
`

// DefaultPath returns ~/.config/agentforge/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "agentforge", "config.yaml"), nil
}

// Load builds the configuration from defaults, the YAML file at path, and
// environment variables, in increasing precedence. An empty path selects
// DefaultPath; a missing file is not an error.
//
// The file must have 0600 or 0400 permissions and be at most 1MB, since it
// may hold the NATS token.
//
// Environment variables are mapped by stripping AGENTFORGE_, lowercasing, and
// splitting section from field on the first underscore:
//
//	AGENTFORGE_ADMISSION_MAX_RUNNING -> admission.max_running
//	AGENTFORGE_STORE_DATA_DIR        -> store.data_dir
//	AGENTFORGE_EVENTS_NATS_URL       -> events.nats_url
//
// Participants can only be configured in the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Store.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Store.DataDir = filepath.Join(home, ".local", "share", "agentforge")
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps AGENTFORGE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile returns the file content, or nil when the file does not
// exist. The descriptor is validated after opening to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
