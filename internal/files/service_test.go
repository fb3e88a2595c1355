package files

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	s := NewService()
	content, err := s.ReadFile(dir, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content.Content)
	assert.NotEmpty(t, content.MimeType)
	assert.Greater(t, content.ModTime, int64(0))
}

func TestReadFileRejectsTraversal(t *testing.T) {
	s := NewService()
	dir := t.TempDir()

	for _, path := range []string{"", "/etc/passwd", "../outside", "a/../../b"} {
		_, err := s.ReadFile(dir, path)
		assert.Error(t, err, "path %q must be rejected", path)
	}
}

func TestReadFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	s := NewService()
	_, err := s.ReadFile(dir, "sub")
	assert.Error(t, err)
}

func TestWriteFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	s := NewService()

	result, err := s.WriteFile(dir, "nested/deep/file.txt", "hello", 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Greater(t, result.NewLastModified, int64(0))

	data, err := os.ReadFile(filepath.Join(dir, "nested", "deep", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileConflictDetection(t *testing.T) {
	dir := t.TempDir()
	s := NewService()

	first, err := s.WriteFile(dir, "file.txt", "v1", 0)
	require.NoError(t, err)

	// Simulate the file changing on disk after our read.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "file.txt"), future, future))

	result, err := s.WriteFile(dir, "file.txt", "v2", first.NewLastModified)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "changed on disk")

	// The refused write leaves the file untouched.
	data, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestWriteFileWithoutLastModifiedOverwrites(t *testing.T) {
	dir := t.TempDir()
	s := NewService()

	_, err := s.WriteFile(dir, "file.txt", "v1", 0)
	require.NoError(t, err)

	result, err := s.WriteFile(dir, "file.txt", "v2", 0)
	require.NoError(t, err)
	assert.True(t, result.Success)
}
