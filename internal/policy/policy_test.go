package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloveric/awe-agentforge-sub000/internal/sandbox"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0o644))
	return dir
}

func TestLoad_Missing(t *testing.T) {
	p, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, p.Verification.Commands)
	assert.Nil(t, p.Promotion.RequireClean)

	p, err = Load("")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestLoad_Full(t *testing.T) {
	dir := writePolicy(t, `
[verification]
commands = ["go test ./...", "go vet ./..."]

[promotion]
allowed_branches = ["main", "release"]
require_clean = false

[sandbox]
exclude = ["*.log", "tmp/"]
`)
	p, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"go test ./...", "go vet ./..."}, p.Verification.Commands)
	assert.Equal(t, []string{"*.log", "tmp/"}, p.Excludes())

	g := p.Guard(sandbox.Guard{AllowedBranches: []string{"main"}, RequireClean: true})
	assert.Equal(t, []string{"main", "release"}, g.AllowedBranches)
	assert.False(t, g.RequireClean, "explicit false overrides the default")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[verification\ncommands = 1"},
		{"unknown key", "[verification]\ncmds = [\"make\"]"},
		{"empty command", "[verification]\ncommands = [\"\"]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writePolicy(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestPolicy_VerificationCommands(t *testing.T) {
	p := &Policy{}
	p.Verification.Commands = []string{"make test"}

	assert.Equal(t, []string{"pytest"}, p.VerificationCommands([]string{"pytest"}))
	assert.Equal(t, []string{"make test"}, p.VerificationCommands(nil))
}

func TestPolicy_GuardKeepsBaseWhenUnset(t *testing.T) {
	g := (&Policy{}).Guard(sandbox.Guard{RequireClean: true})
	assert.True(t, g.RequireClean)
	assert.Empty(t, g.AllowedBranches)
}
