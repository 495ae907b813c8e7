package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_RunWritesBundle(t *testing.T) {
	root := t.TempDir()
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "marker.txt"), []byte("ok"), 0o644))

	r := NewRunner(root)
	b, path, err := r.Run(context.Background(), "task-1", 2, work,
		[]string{"cat marker.txt", "echo failing >&2; exit 4"}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, Path(root, "task-1", 2), path)
	require.Len(t, b.Commands, 2)
	assert.True(t, b.Commands[0].Passed())
	assert.Equal(t, 4, b.Commands[1].ExitCode)
	assert.False(t, b.Passed())
	assert.Len(t, b.FailedCommands(), 1)

	out, err := os.ReadFile(b.Commands[0].OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "task-1", loaded.TaskID)
	assert.True(t, Exists(path))
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(t.TempDir())
	b, _, err := r.Run(context.Background(), "t", 1, t.TempDir(), []string{"exec sleep 5"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, b.Commands[0].TimedOut)
	assert.False(t, b.Passed())
}

func TestRunner_NoCommands(t *testing.T) {
	r := NewRunner(t.TempDir())
	_, _, err := r.Run(context.Background(), "t", 1, t.TempDir(), nil, time.Second)
	assert.Error(t, err)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load("")
	assert.ErrorIs(t, err, ErrNoBundle)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNoBundle)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = Load(bad)
	assert.ErrorIs(t, err, ErrInvalidBundle)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"task_id":"t","commands":[]}`), 0o644))
	_, err = Load(empty)
	assert.ErrorIs(t, err, ErrEmptyBundle)
	assert.False(t, Exists(empty))
}

func TestBundle_PassedRequiresCommands(t *testing.T) {
	var nilBundle *Bundle
	assert.False(t, nilBundle.Passed())
	assert.False(t, (&Bundle{}).Passed())
	assert.True(t, (&Bundle{Commands: []CommandResult{{Command: "true"}}}).Passed())
}
