package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8787, ShutdownTimeout: Duration(time.Second)},
		Store:     StoreConfig{Driver: DriverMemory},
		Admission: AdmissionConfig{MaxRunning: 1, SweepInterval: Duration(time.Second)},
		Phases: PhasesConfig{
			Proposal:       Duration(time.Minute),
			Discussion:     Duration(time.Minute),
			Implementation: Duration(time.Minute),
			Review:         Duration(time.Minute),
			Verification:   Duration(time.Minute),
		},
		Consensus: ConsensusConfig{MaxRetriesPerRound: 1, MaxRepeatedSignature: 1, MaxProposalRounds: 1},
		Deadloop:  DeadloopConfig{MaxStrategyShifts: 1},
		Sandbox:   SandboxConfig{Root: "/s", ArtifactsRoot: "/a", EvidenceRoot: "/e"},
		Logging:   LoggingConfig{Level: "info", Format: "console"},
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero shutdown", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite }},
		{"zero sweep", func(c *Config) { c.Admission.SweepInterval = 0 }},
		{"zero phase", func(c *Config) { c.Phases.Review = 0 }},
		{"zero consensus", func(c *Config) { c.Consensus.MaxProposalRounds = 0 }},
		{"zero shifts", func(c *Config) { c.Deadloop.MaxStrategyShifts = 0 }},
		{"missing sandbox root", func(c *Config) { c.Sandbox.Root = "" }},
		{"negative pacing", func(c *Config) {
			c.Participants = map[string]ParticipantConfig{"claude": {Command: []string{"claude"}, Burst: -1}}
		}},
		{"telemetry without name", func(c *Config) { c.Observability.EnableTelemetry = true }},
		{"telemetry without endpoint", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = "agentforge"
		}},
		{"unknown otlp protocol", func(c *Config) { c.Observability.OTLPProtocol = "udp" }},
		{"sample rate above one", func(c *Config) { c.Observability.TraceSampleRate = 1.5 }},
		{"memory without timeout", func(c *Config) { c.Memory.Endpoint = "http://localhost:9090/mcp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(Duration(2 * time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"2m0s"`, string(out))
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")
	assert.True(t, s.IsSet())
	assert.Equal(t, "hunter2", s.Value())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	out, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}
