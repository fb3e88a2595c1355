package files

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileContent is the result of reading a workspace file.
type FileContent struct {
	Content  string
	MimeType string
	ModTime  int64
}

// WriteResult reports the outcome of a workspace file write.
type WriteResult struct {
	Success         bool
	Message         string
	NewLastModified int64
}

// Service performs raw content I/O for workspace files. The gateway owns the
// routing, session tracking, and conflict policy around these calls; this
// layer only validates confinement and moves bytes.
type Service struct{}

// NewService creates a file content service.
func NewService() *Service { return &Service{} }

// resolve joins relativePath onto workspacePath and rejects traversal.
func (s *Service) resolve(workspacePath, relativePath string) (string, error) {
	if relativePath == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("path must be relative to the workspace")
	}

	full := filepath.Join(workspacePath, relativePath)
	rel, err := filepath.Rel(workspacePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", relativePath)
	}
	return full, nil
}

// ReadFile returns the content and mime type of a file inside a workspace.
func (s *Service) ReadFile(workspacePath, relativePath string) (*FileContent, error) {
	full, err := s.resolve(workspacePath, relativePath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%q is a directory", relativePath)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(full))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	return &FileContent{
		Content:  string(data),
		MimeType: mimeType,
		ModTime:  info.ModTime().UnixMilli(),
	}, nil
}

// WriteFile writes content to a file inside a workspace. When the caller
// provides lastModified and the file changed on disk since then, the write is
// refused so the client can reload and merge.
func (s *Service) WriteFile(workspacePath, relativePath, content string, lastModified int64) (*WriteResult, error) {
	full, err := s.resolve(workspacePath, relativePath)
	if err != nil {
		return nil, err
	}

	if lastModified > 0 {
		if info, err := os.Stat(full); err == nil {
			if info.ModTime().UnixMilli() > lastModified {
				return &WriteResult{
					Success: false,
					Message: "file changed on disk since last read",
				}, nil
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat written file: %w", err)
	}

	return &WriteResult{
		Success:         true,
		Message:         "saved",
		NewLastModified: info.ModTime().UnixMilli(),
	}, nil
}
