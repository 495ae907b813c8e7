package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"empty line", "", ""},
		{"whitespace only", "   ", ""},
		{"comment", "# this is a comment", ""},
		{"negation kept", "!important.txt", "!important.txt"},
		{"trailing whitespace", "*.log  \r", "*.log"},
		{"directory", "node_modules/", "node_modules/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLine(tt.line))
		})
	}
}

func TestMatcher_Defaults(t *testing.T) {
	m, err := NewParser(nil, DefaultExcludes).Build(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{"web/node_modules", true, true},
		{"pkg/__pycache__", true, true},
		{".env", false, true},
		{"config/.env.production", false, true},
		{"certs/server.pem", false, true},
		{"main.go", false, false},
		{"internal/build.go", false, false},
		{"docs/README.md", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Excluded(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_WorkspaceFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("*.log\n# comment\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", ".gitignore"), []byte("generated/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".agentforgeignore"), []byte("fixtures/\n"), 0o644))

	m, err := NewParser([]string{".agentforgeignore"}, DefaultExcludes).Build(root, "tmp/")
	require.NoError(t, err)

	assert.True(t, m.Excluded("app.log", false))
	assert.True(t, m.Excluded("sub/generated", true))
	assert.False(t, m.Excluded("generated", true), "nested pattern applies only below its directory")
	assert.True(t, m.Excluded("fixtures", true))
	assert.True(t, m.Excluded("tmp", true))
	assert.False(t, m.Excluded("app.go", false))
	assert.False(t, m.Excluded(".", true))
}

func TestMatcher_NegationReincludesDefault(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("!build/\n"), 0o644))

	m, err := NewParser(nil, DefaultExcludes).Build(root)
	require.NoError(t, err)
	assert.False(t, m.Excluded("build", true))
	assert.True(t, m.Excluded("dist", true))
}
