package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaytatsu/cortex-sub000/internal/models"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func testSession(id string, pid int) *models.Session {
	return &models.Session{
		ID:            id,
		WorkspaceName: "demo",
		WorkspacePath: "/tmp/demo",
		PID:           pid,
		StartedAt:     time.Now(),
		OwnerID:       "user-1",
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(testSession("s1", 100)))
	require.NoError(t, s.Save(testSession("s2", 200)))

	// A fresh store backed by the same directory sees the same records.
	reopened, err := NewSessionStore(dir)
	require.NoError(t, err)
	sessions, err := reopened.Load()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	sessions, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSession("s1", 100)))

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, 100, got.PID)

	missing, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("s1", 100)
	require.NoError(t, s.Save(sess))

	sess.Recovered = true
	require.NoError(t, s.Update(sess))

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.True(t, got.Recovered)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testSession("s1", 100)))

	require.NoError(t, s.Remove("s1"))
	// Removing again, and removing something that never existed, are no-ops.
	require.NoError(t, s.Remove("s1"))
	require.NoError(t, s.Remove("never-there"))

	sessions, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRemoveAll(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(testSession("s1", 100)))
	require.NoError(t, s.Save(testSession("s2", 200)))

	require.NoError(t, s.RemoveAll())
	// Calling again on an empty store is a no-op.
	require.NoError(t, s.RemoveAll())

	sessions, err := s.All()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	reopened, err := NewSessionStore(dir)
	require.NoError(t, err)
	sessions, err = reopened.Load()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(testSession("s1", 100)))

	info, err := os.Stat(filepath.Join(dir, "sessions.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)

	// Each write past the first rotates a backup; more writes than the
	// retention limit must not grow the set.
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Save(testSession("s1", 100+i)))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sessions.json.bak.*"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 5)
	assert.NotEmpty(t, matches)
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(testSession("s1", 100)))

	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
