package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/akaytatsu/cortex-sub000/internal/models"
)

// Service resolves workspace names to validated filesystem roots. Workspaces
// come from an optional YAML file; names not listed there resolve to direct
// subdirectories of the root. Every resolved path is confined to the root.
type Service struct {
	rootDir string

	mu         sync.RWMutex
	workspaces map[string]models.Workspace
}

type workspacesFile struct {
	Workspaces []models.Workspace `yaml:"workspaces"`
}

// NewService creates a workspace service rooted at rootDir.
func NewService(rootDir string) *Service {
	return &Service{
		rootDir:    filepath.Clean(rootDir),
		workspaces: make(map[string]models.Workspace),
	}
}

// LoadFromFile loads named workspaces from a YAML file. A missing file is
// not an error; entries escaping the root are rejected.
func (s *Service) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read workspaces file: %w", err)
	}

	var parsed workspacesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse workspaces file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range parsed.Workspaces {
		if ws.Name == "" || ws.Path == "" {
			continue
		}
		if err := s.validatePathLocked(ws.Path); err != nil {
			return fmt.Errorf("workspace %q: %w", ws.Name, err)
		}
		s.workspaces[ws.Name] = models.Workspace{Name: ws.Name, Path: filepath.Clean(ws.Path)}
	}
	return nil
}

// RootDir returns the authorized workspace root.
func (s *Service) RootDir() string { return s.rootDir }

// GetWorkspaceByName resolves a workspace name. Unlisted names fall back to
// <root>/<name> when that directory exists.
func (s *Service) GetWorkspaceByName(name string) (*models.Workspace, bool) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, false
	}

	s.mu.RLock()
	ws, ok := s.workspaces[name]
	s.mu.RUnlock()
	if ok {
		copied := ws
		return &copied, true
	}

	candidate := filepath.Join(s.rootDir, name)
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	return &models.Workspace{Name: name, Path: candidate}, true
}

// ValidatePath rejects paths escaping the workspace root.
func (s *Service) ValidatePath(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validatePathLocked(path)
}

func (s *Service) validatePathLocked(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("path %q is not absolute", path)
	}
	rel, err := filepath.Rel(s.rootDir, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes workspace root %q", path, s.rootDir)
	}
	return nil
}
