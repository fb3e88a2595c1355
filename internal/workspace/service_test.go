package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWorkspaceByNameFallsBackToSubdirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "demo"), 0o755))

	s := NewService(root)

	ws, ok := s.GetWorkspaceByName("demo")
	require.True(t, ok)
	assert.Equal(t, "demo", ws.Name)
	assert.Equal(t, filepath.Join(root, "demo"), ws.Path)

	_, ok = s.GetWorkspaceByName("missing")
	assert.False(t, ok)
}

func TestGetWorkspaceByNameRejectsTraversal(t *testing.T) {
	s := NewService(t.TempDir())

	for _, name := range []string{"", "..", "../etc", "a/b", `a\b`, "x..y"} {
		_, ok := s.GetWorkspaceByName(name)
		assert.False(t, ok, "name %q must not resolve", name)
	}
}

func TestLoadFromFile(t *testing.T) {
	root := t.TempDir()
	wsDir := filepath.Join(root, "project-a")
	require.NoError(t, os.MkdirAll(wsDir, 0o755))

	configPath := filepath.Join(root, "workspaces.yaml")
	config := "workspaces:\n  - name: alpha\n    path: " + wsDir + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	s := NewService(root)
	require.NoError(t, s.LoadFromFile(configPath))

	ws, ok := s.GetWorkspaceByName("alpha")
	require.True(t, ok)
	assert.Equal(t, wsDir, ws.Path)
}

func TestLoadFromFileMissingIsNotAnError(t *testing.T) {
	s := NewService(t.TempDir())
	assert.NoError(t, s.LoadFromFile("/nonexistent/workspaces.yaml"))
}

func TestLoadFromFileRejectsEscapingPath(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "workspaces.yaml")
	config := "workspaces:\n  - name: evil\n    path: /etc\n"
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o644))

	s := NewService(root)
	assert.Error(t, s.LoadFromFile(configPath))
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()
	s := NewService(root)

	assert.NoError(t, s.ValidatePath(filepath.Join(root, "inside")))
	assert.Error(t, s.ValidatePath("/etc"))
	assert.Error(t, s.ValidatePath("relative"))
	assert.Error(t, s.ValidatePath(filepath.Join(root, "..", "outside")))
}
