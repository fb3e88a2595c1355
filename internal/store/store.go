package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
)

const (
	sessionsFileName = "sessions.json"
	maxBackups       = 5

	fileMode = 0600
	dirMode  = 0700
)

// SessionStore persists session records to a single JSON file. Writes are
// atomic (write-to-temp-then-rename) and take a rotated backup of the
// previous file before overwriting. An in-memory cache serves reads and is
// updated on every successful write, so the disk file stays the single
// source of truth.
type SessionStore struct {
	stateDir string
	filePath string

	mu     sync.Mutex
	cache  map[string]*models.Session
	loaded bool
}

// NewSessionStore creates a store rooted at stateDir, creating the directory
// with owner-only permissions if needed.
func NewSessionStore(stateDir string) (*SessionStore, error) {
	if err := os.MkdirAll(stateDir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create session state directory: %w", err)
	}

	return &SessionStore{
		stateDir: stateDir,
		filePath: filepath.Join(stateDir, sessionsFileName),
		cache:    make(map[string]*models.Session),
	}, nil
}

// Load reads all persisted sessions from disk, replacing the cache. A missing
// file is an empty store, not an error.
func (s *SessionStore) Load() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.allLocked(), nil
}

// All returns every cached session record, loading from disk on first use.
func (s *SessionStore) All() ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return nil, err
		}
	}
	return s.allLocked(), nil
}

// Get returns the cached record for id, or nil if it does not exist.
func (s *SessionStore) Get(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return nil, err
		}
	}

	session, ok := s.cache[id]
	if !ok {
		return nil, nil
	}
	copied := *session
	return &copied, nil
}

// Save adds or replaces a session record and writes the store to disk.
func (s *SessionStore) Save(session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return err
		}
	}

	copied := *session
	s.cache[session.ID] = &copied
	return s.writeLocked()
}

// Update mutates an existing record. Updating an unknown id is an error.
func (s *SessionStore) Update(session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return err
		}
	}

	if _, ok := s.cache[session.ID]; !ok {
		return fmt.Errorf("no persisted session with id %q", session.ID)
	}

	copied := *session
	s.cache[session.ID] = &copied
	return s.writeLocked()
}

// Remove deletes a session record. Removing an id that is not present is a
// no-op: concurrent destroy paths may race to remove the same record.
func (s *SessionStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return err
		}
	}

	if _, ok := s.cache[id]; !ok {
		return nil
	}

	delete(s.cache, id)
	return s.writeLocked()
}

// RemoveAll drops every session record.
func (s *SessionStore) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			return err
		}
	}

	if len(s.cache) == 0 {
		return nil
	}

	s.cache = make(map[string]*models.Session)
	return s.writeLocked()
}

func (s *SessionStore) loadLocked() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.cache = make(map[string]*models.Session)
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read session store: %w", err)
	}

	var sessions []*models.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("failed to unmarshal session store: %w", err)
	}

	cache := make(map[string]*models.Session, len(sessions))
	for _, session := range sessions {
		if session == nil || session.ID == "" {
			continue
		}
		cache[session.ID] = session
	}

	s.cache = cache
	s.loaded = true
	return nil
}

func (s *SessionStore) allLocked() []*models.Session {
	sessions := make([]*models.Session, 0, len(s.cache))
	for _, session := range s.cache {
		copied := *session
		sessions = append(sessions, &copied)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// writeLocked persists the cache atomically: marshal, back up the current
// file, write to a temp file, then rename over the target.
func (s *SessionStore) writeLocked() error {
	sessions := s.allLocked()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	if err := s.rotateBackupsLocked(); err != nil {
		// A failed backup never blocks the write itself.
		logger.Warnf("Failed to rotate session store backups: %v", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, fileMode); err != nil {
		return fmt.Errorf("failed to write session store temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session store: %w", err)
	}

	return nil
}

// rotateBackupsLocked shifts sessions.json.bak.N up one slot, dropping the
// oldest, and copies the current file into slot 1.
func (s *SessionStore) rotateBackupsLocked() error {
	if _, err := os.Stat(s.filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	oldest := s.backupPath(maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}

	for i := maxBackups - 1; i >= 1; i-- {
		from := s.backupPath(i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, s.backupPath(i+1)); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	return os.WriteFile(s.backupPath(1), data, fileMode)
}

func (s *SessionStore) backupPath(n int) string {
	return fmt.Sprintf("%s.bak.%d", s.filePath, n)
}
