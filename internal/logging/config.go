package logging

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/cloveric/awe-agentforge-sub000/internal/config"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds logging configuration.
type Config struct {
	Level   zapcore.Level
	Format  string
	Service string

	// Output receives encoded entries. Nil means stdout.
	Output io.Writer
	// OTEL additionally forwards entries to the OpenTelemetry log provider
	// passed to NewLogger.
	OTEL bool

	AddCaller       bool
	StacktraceLevel zapcore.Level

	Sampling  SamplingConfig
	Redaction RedactionConfig
}

// SamplingConfig thins out repetitive entries, such as streamed participant
// output, per level and tick.
type SamplingConfig struct {
	Enabled bool
	Tick    time.Duration
	Levels  map[zapcore.Level]LevelSampling
}

// LevelSampling keeps the first Initial entries with the same message per
// tick, then every Thereafter-th.
type LevelSampling struct {
	Initial    int
	Thereafter int
}

// RedactionConfig controls what never reaches the log.
type RedactionConfig struct {
	// Keys are field names whose values are replaced whole. Matching is case
	// insensitive.
	Keys []string
	// Scrubber replaces secrets inside messages and string values. Nil uses
	// a small built-in pattern set.
	Scrubber Scrubber
}

// NewDefaultConfig returns the defaults used by the server.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           zapcore.InfoLevel,
		Format:          FormatJSON,
		Service:         "agentforge",
		AddCaller:       true,
		StacktraceLevel: zapcore.ErrorLevel,
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			Levels: map[zapcore.Level]LevelSampling{
				TraceLevel:         {Initial: 1},
				zapcore.DebugLevel: {Initial: 10},
				zapcore.InfoLevel:  {Initial: 100, Thereafter: 10},
			},
		},
		Redaction: RedactionConfig{
			Keys: []string{
				"token", "nats_token", "password", "secret", "api_key",
				"authorization", "credential", "private_key",
			},
		},
	}
}

// FromSettings applies the logging section of the file/env configuration over
// the defaults. An empty service keeps the default name.
func FromSettings(s config.LoggingConfig, service string) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	if service != "" {
		cfg.Service = service
	}
	cfg.OTEL = s.OTEL
	cfg.Sampling.Enabled = s.Sampling
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != FormatJSON && c.Format != FormatConsole {
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format)
	}
	if c.Service == "" {
		return fmt.Errorf("service name is required")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick <= 0 {
			return fmt.Errorf("sampling tick must be positive")
		}
		for lvl, s := range c.Sampling.Levels {
			if s.Initial < 0 || s.Thereafter < 0 {
				return fmt.Errorf("sampling rates for %s must not be negative", lvl)
			}
		}
	}
	for _, k := range c.Redaction.Keys {
		if k == "" {
			return fmt.Errorf("redaction key cannot be empty")
		}
	}
	return nil
}
