package session

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
	"github.com/akaytatsu/cortex-sub000/internal/store"
)

const (
	// stopGracePeriod is how long a process gets after SIGTERM before the
	// escalation timer sends SIGKILL.
	stopGracePeriod = 5 * time.Second

	defaultCommand = "claude"

	// maxOutputBuffer bounds the per-session replay buffer.
	maxOutputBuffer = 256 * 1024

	subscriberBuffer = 100
)

// EventsEmitter receives session lifecycle events for the SSE feed.
type EventsEmitter interface {
	EmitSessionStarted(info models.SessionInfo)
	EmitSessionExited(info models.SessionInfo, exitCode *int)
	EmitSessionRecovered(info models.SessionInfo)
}

// StartOptions describes a session start request.
type StartOptions struct {
	WorkspacePath string
	WorkspaceName string
	SessionID     string
	OwnerID       string
	Command       string
	AgentName     string
}

// StartResult is returned on a successful spawn.
type StartResult struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

// managedSession pairs a session record with its live process handle.
type managedSession struct {
	meta models.Session
	proc ManagedProcess

	// killTimer escalates SIGTERM to SIGKILL; cleared on every exit path so
	// a stale timer can never signal a reused PID. Stop arms it while the
	// exit goroutine may be clearing it, hence its own lock.
	timerMu   sync.Mutex
	killTimer *time.Timer

	subsMu sync.RWMutex
	subs   map[string]chan []byte

	bufMu     sync.RWMutex
	outputBuf []byte
}

func (s *managedSession) armKillTimer(d time.Duration, f func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	s.killTimer = time.AfterFunc(d, f)
}

func (s *managedSession) clearKillTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
}

// Manager owns the process registry and orchestrates spawn, termination and
// crash-exit cleanup, keeping the registry in sync with the persistence
// store. Operations on a single session id are serialized; cross-session
// operations run independently.
type Manager struct {
	rootDir string
	allowed []string
	store   *store.SessionStore

	mu       sync.RWMutex
	sessions map[string]*managedSession

	locksMu sync.Mutex
	idLocks map[string]*idLock

	eventsMu      sync.RWMutex
	eventsHandler EventsEmitter
}

// NewManager creates a session manager confined to rootDir.
func NewManager(rootDir string, sessionStore *store.SessionStore) *Manager {
	return &Manager{
		rootDir:  filepath.Clean(rootDir),
		allowed:  DefaultAllowedCommands,
		store:    sessionStore,
		sessions: make(map[string]*managedSession),
		idLocks:  make(map[string]*idLock),
	}
}

// SetAllowedCommands overrides the command allow-list.
func (m *Manager) SetAllowedCommands(allowed []string) {
	m.allowed = allowed
}

// SetEventsHandler sets the events handler for emitting lifecycle events.
func (m *Manager) SetEventsHandler(handler EventsEmitter) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.eventsHandler = handler
}

func (m *Manager) events() EventsEmitter {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	return m.eventsHandler
}

// idLock is a refcounted per-session mutex; the map entry is dropped once no
// operation holds or waits on it, so the lock table does not grow with every
// session id ever seen.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lockID serializes start/stop for a single session id.
func (m *Manager) lockID(id string) func() {
	m.locksMu.Lock()
	lock, ok := m.idLocks[id]
	if !ok {
		lock = &idLock{}
		m.idLocks[id] = lock
	}
	lock.refs++
	m.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.idLocks, id)
		}
		m.locksMu.Unlock()
	}
}

// validatePath rejects workspace paths that escape the authorized root.
func (m *Manager) validatePath(workspacePath string) error {
	if workspacePath == "" || !filepath.IsAbs(workspacePath) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, workspacePath)
	}

	cleaned := filepath.Clean(workspacePath)
	rel, err := filepath.Rel(m.rootDir, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, workspacePath)
	}
	return nil
}

// Start validates the request, spawns the process on a PTY with the workspace
// as working directory, registers the handle, and persists the session record
// asynchronously. A persistence failure is logged, never fatal: the live
// process keeps running even if it stays untracked-for-recovery for a while.
func (m *Manager) Start(opts StartOptions) (*StartResult, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	unlock := m.lockID(opts.SessionID)
	defer unlock()

	if err := m.validatePath(opts.WorkspacePath); err != nil {
		return nil, err
	}

	command := opts.Command
	if command == "" {
		command = defaultCommand
	}
	if err := ValidateCommand(command, m.allowed); err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing, exists := m.sessions[opts.SessionID]
	m.mu.RUnlock()
	if exists && existing.proc.Alive() {
		return nil, fmt.Errorf("%w: %s", ErrProcessExists, opts.SessionID)
	}

	binary, args := SplitCommand(command)
	cmd := exec.Command(binary, args...)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("CORTEX_SESSION_ID=%s", opts.SessionID),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start session process: %w", err)
	}

	proc := &ownedProcess{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}

	managed := &managedSession{
		meta: models.Session{
			ID:            opts.SessionID,
			WorkspaceName: opts.WorkspaceName,
			WorkspacePath: opts.WorkspacePath,
			PID:           proc.Pid(),
			StartedAt:     time.Now(),
			OwnerID:       opts.OwnerID,
			AgentName:     opts.AgentName,
			Command:       command,
		},
		proc: proc,
		subs: make(map[string]chan []byte),
	}

	m.mu.Lock()
	m.sessions[opts.SessionID] = managed
	m.mu.Unlock()

	logger.Infof("Started session %s (pid %d, command %q) in %s",
		opts.SessionID, proc.Pid(), command, opts.WorkspacePath)

	// Persist off the hot path. The spawn already succeeded; a failed write
	// must never roll it back.
	meta := managed.meta
	recovery.SafeGo(fmt.Sprintf("persist-session-%s", opts.SessionID), func() {
		if err := m.store.Save(&meta); err != nil {
			logger.Errorf("Failed to persist session %s: %v", meta.ID, err)
		}
	})

	recovery.SafeGo(fmt.Sprintf("pump-session-%s", opts.SessionID), func() {
		m.pumpOutput(managed, ptmx)
	})

	recovery.SafeGo(fmt.Sprintf("wait-session-%s", opts.SessionID), func() {
		err := cmd.Wait()
		close(proc.done)
		m.onExit(opts.SessionID, managed, err)
	})

	if handler := m.events(); handler != nil {
		handler.EmitSessionStarted(sessionInfo(managed))
	}

	return &StartResult{SessionID: opts.SessionID, PID: proc.Pid()}, nil
}

// Stop sends a graceful termination signal, arms the SIGKILL escalation
// timer, and best-effort removes the persisted record. It returns whether a
// live handle was found, so stopping an unknown or already-stopped session is
// a safe no-op.
func (m *Manager) Stop(sessionID string) bool {
	unlock := m.lockID(sessionID)
	defer unlock()

	m.mu.Lock()
	managed, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		// Still drop any stale persisted record for this id.
		if err := m.store.Remove(sessionID); err != nil {
			logger.Warnf("Failed to remove persisted record for %s: %v", sessionID, err)
		}
		return false
	}

	proc := managed.proc
	if err := proc.Signal(syscall.SIGTERM); err != nil && err != ErrProcessNotFound {
		logger.Warnf("Failed to signal session %s (pid %d): %v", sessionID, proc.Pid(), err)
	}

	managed.armKillTimer(stopGracePeriod, func() {
		if proc.Alive() {
			logger.Warnf("Session %s did not exit after SIGTERM, sending SIGKILL (pid %d)", sessionID, proc.Pid())
			if err := proc.Signal(syscall.SIGKILL); err != nil && err != ErrProcessNotFound {
				logger.Errorf("Failed to kill session %s: %v", sessionID, err)
			}
		}
	})

	// The process may have died between the signal and the arm; an onExit
	// that already ran could not see the timer, so clear it here.
	m.mu.RLock()
	current := m.sessions[sessionID]
	m.mu.RUnlock()
	if current != managed {
		managed.clearKillTimer()
	}

	// Recovered processes have no exit notification, so their handle is
	// removed once the grace window has passed.
	if !proc.Owned() {
		recovery.SafeGo(fmt.Sprintf("reap-recovered-%s", sessionID), func() {
			time.Sleep(stopGracePeriod + time.Second)
			m.onExit(sessionID, managed, nil)
		})
	}

	if err := m.store.Remove(sessionID); err != nil {
		logger.Warnf("Failed to remove persisted record for %s: %v", sessionID, err)
	}

	logger.Infof("Stopping session %s (pid %d)", sessionID, proc.Pid())
	return true
}

// onExit runs when a process exits, errors, or a recovered handle's grace
// window lapses. It clears the escalation timer, removes the in-memory
// handle, and best-effort removes the persisted record. Duplicate calls are
// no-ops: the registry is re-validated before anything is removed.
func (m *Manager) onExit(sessionID string, managed *managedSession, waitErr error) {
	managed.clearKillTimer()

	m.mu.Lock()
	current, ok := m.sessions[sessionID]
	if !ok || current != managed {
		// The id was already cleaned up or restarted with a new process.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	managed.subsMu.Lock()
	for id, ch := range managed.subs {
		close(ch)
		delete(managed.subs, id)
	}
	managed.subsMu.Unlock()

	var exitCode *int
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		exitCode = &code
	} else if waitErr == nil && managed.proc.Owned() {
		code := 0
		exitCode = &code
	}

	if waitErr != nil {
		logger.Infof("Session %s exited: %v", sessionID, waitErr)
	} else {
		logger.Infof("Session %s exited", sessionID)
	}

	if err := m.store.Remove(sessionID); err != nil {
		logger.Warnf("Failed to remove persisted record for exited session %s: %v", sessionID, err)
	}

	if handler := m.events(); handler != nil {
		handler.EmitSessionExited(sessionInfo(managed), exitCode)
	}
}

// Recover reconciles persisted sessions against actually-running processes.
// Live PIDs are re-registered as PID-only handles and tagged recovered; dead
// PIDs have their records removed. Per-record failures are logged and
// skipped; only a failure to load the full list is fatal.
func (m *Manager) Recover() error {
	sessions, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load persisted sessions: %w", err)
	}

	for _, persisted := range sessions {
		m.mu.RLock()
		_, registered := m.sessions[persisted.ID]
		m.mu.RUnlock()
		if registered {
			continue
		}

		alive, probeErr := ProbePid(persisted.PID)
		if !alive {
			logger.Infof("Discarding orphaned session record %s (pid %d is gone)", persisted.ID, persisted.PID)
			if err := m.store.Remove(persisted.ID); err != nil {
				logger.Warnf("Failed to remove orphaned record %s: %v", persisted.ID, err)
			}
			continue
		}

		if probeErr == ErrPermissionDenied {
			logger.Warnf("Liveness of session %s (pid %d) is indeterminate: %v", persisted.ID, persisted.PID, probeErr)
		}

		meta := *persisted
		meta.Recovered = true

		managed := &managedSession{
			meta: meta,
			proc: &recoveredProcess{pid: persisted.PID},
			subs: make(map[string]chan []byte),
		}

		m.mu.Lock()
		m.sessions[persisted.ID] = managed
		m.mu.Unlock()

		if err := m.store.Update(&meta); err != nil {
			logger.Warnf("Failed to tag session %s as recovered: %v", persisted.ID, err)
		}

		logger.Infof("Recovered session %s (pid %d) in %s", persisted.ID, persisted.PID, persisted.WorkspacePath)

		if handler := m.events(); handler != nil {
			handler.EmitSessionRecovered(sessionInfo(managed))
		}
	}

	return nil
}

// ListActive returns metadata for all live handles, optionally filtered by
// owner.
func (m *Manager) ListActive(ownerID string) []models.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]models.SessionInfo, 0, len(m.sessions))
	for _, managed := range m.sessions {
		if ownerID != "" && managed.meta.OwnerID != ownerID {
			continue
		}
		infos = append(infos, sessionInfo(managed))
	}
	return infos
}

// Get returns metadata for a single live session.
func (m *Manager) Get(sessionID string) (models.SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, ok := m.sessions[sessionID]
	if !ok {
		return models.SessionInfo{}, false
	}
	return sessionInfo(managed), true
}

// Subscribe attaches a client to a session's terminal output. The buffered
// output so far is returned for replay; subsequent output arrives on the
// channel until the process exits or the client unsubscribes.
func (m *Manager) Subscribe(sessionID, clientID string) ([]byte, <-chan []byte, error) {
	m.mu.RLock()
	managed, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProcessNotFound, sessionID)
	}
	if !managed.proc.Owned() {
		return nil, nil, fmt.Errorf("%w: session %s was recovered and has no terminal", ErrProcessNotFound, sessionID)
	}

	ch := make(chan []byte, subscriberBuffer)
	managed.subsMu.Lock()
	managed.subs[clientID] = ch
	managed.subsMu.Unlock()

	managed.bufMu.RLock()
	replay := make([]byte, len(managed.outputBuf))
	copy(replay, managed.outputBuf)
	managed.bufMu.RUnlock()

	return replay, ch, nil
}

// Unsubscribe detaches a terminal output client.
func (m *Manager) Unsubscribe(sessionID, clientID string) {
	m.mu.RLock()
	managed, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	managed.subsMu.Lock()
	if ch, exists := managed.subs[clientID]; exists {
		close(ch)
		delete(managed.subs, clientID)
	}
	managed.subsMu.Unlock()
}

// WriteInput writes terminal input to a session's PTY.
func (m *Manager) WriteInput(sessionID string, data []byte) error {
	m.mu.RLock()
	managed, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, sessionID)
	}

	owned, isOwned := managed.proc.(*ownedProcess)
	if !isOwned {
		return fmt.Errorf("%w: session %s was recovered and has no terminal", ErrProcessNotFound, sessionID)
	}

	_, err := owned.ptmx.Write(data)
	return err
}

// Resize adjusts a session's PTY window size.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	m.mu.RLock()
	managed, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, sessionID)
	}

	owned, isOwned := managed.proc.(*ownedProcess)
	if !isOwned {
		return fmt.Errorf("%w: session %s was recovered and has no terminal", ErrProcessNotFound, sessionID)
	}

	return pty.Setsize(owned.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// pumpOutput reads PTY output, appends it to the bounded replay buffer, and
// broadcasts to subscribers. Slow subscribers are skipped, never blocked on.
func (m *Manager) pumpOutput(managed *managedSession, ptmx *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			managed.bufMu.Lock()
			managed.outputBuf = append(managed.outputBuf, chunk...)
			if len(managed.outputBuf) > maxOutputBuffer {
				managed.outputBuf = managed.outputBuf[len(managed.outputBuf)-maxOutputBuffer:]
			}
			managed.bufMu.Unlock()

			managed.subsMu.RLock()
			for id, ch := range managed.subs {
				select {
				case ch <- chunk:
				default:
					logger.Warnf("Dropping terminal output for slow subscriber %s on session %s", id, managed.meta.ID)
				}
			}
			managed.subsMu.RUnlock()
		}
		if err != nil {
			// EOF or I/O error once the process side of the PTY is gone.
			return
		}
	}
}

// Shutdown stops escalation timers and detaches from live processes without
// killing them. Their persisted records stay on disk so Recover can reattach
// on the next boot; the timeout reaper handles anything left behind.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, managed := range m.sessions {
		managed.clearKillTimer()
		if managed.proc.Alive() {
			logger.Infof("Detaching from session %s (pid %d), record kept for recovery", id, managed.proc.Pid())
		}
	}
}

func sessionInfo(managed *managedSession) models.SessionInfo {
	return models.SessionInfo{
		ID:            managed.meta.ID,
		WorkspaceName: managed.meta.WorkspaceName,
		WorkspacePath: managed.meta.WorkspacePath,
		PID:           managed.meta.PID,
		StartedAt:     managed.meta.StartedAt,
		OwnerID:       managed.meta.OwnerID,
		AgentName:     managed.meta.AgentName,
		Command:       managed.meta.Command,
		Recovered:     managed.meta.Recovered,
	}
}
