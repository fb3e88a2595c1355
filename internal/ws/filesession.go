package ws

import (
	"sort"
	"sync"
	"time"

	"github.com/akaytatsu/cortex-sub000/internal/models"
)

// pendingDelta is an unmerged text delta plus the connection that sent it.
// The sender id is the deterministic tie-break for deltas sharing a
// timestamp.
type pendingDelta struct {
	models.TextDelta
	SenderID string
}

// FileSession tracks editing state for one file path within a workspace: the
// subscribing connections, a monotonic version counter, and the queue of
// deltas awaiting reconciliation. Created on first content request or text
// change for the path; discarded when its connection set becomes empty.
type FileSession struct {
	Workspace string
	FilePath  string

	mu           sync.Mutex
	version      int64
	pending      []pendingDelta
	lastModified time.Time
	conns        map[string]bool
}

// NewFileSession creates a file session starting at version 0.
func NewFileSession(workspace, filePath string) *FileSession {
	return &FileSession{
		Workspace: workspace,
		FilePath:  filePath,
		conns:     make(map[string]bool),
	}
}

// AddConnection subscribes a connection to this file session.
func (fs *FileSession) AddConnection(connID string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.conns[connID] = true
}

// RemoveConnection unsubscribes a connection and reports whether the session
// is now empty and should be discarded.
func (fs *FileSession) RemoveConnection(connID string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.conns, connID)
	return len(fs.conns) == 0
}

// Connections returns the ids of all subscribed connections.
func (fs *FileSession) Connections() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ids := make([]string, 0, len(fs.conns))
	for id := range fs.conns {
		ids = append(ids, id)
	}
	return ids
}

// Version returns the current tracked version.
func (fs *FileSession) Version() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.version
}

// PendingDeltas returns a copy of the unmerged delta queue.
func (fs *FileSession) PendingDeltas() []models.TextDelta {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	deltas := make([]models.TextDelta, len(fs.pending))
	for i, p := range fs.pending {
		deltas[i] = p.TextDelta
	}
	return deltas
}

// ApplyChange reconciles a change submission against the tracked version.
// A submission at the expected version applies directly; a stale submission
// is never rejected: its deltas join the pending queue, which is re-ordered
// by delta timestamp with sender id as the tie-break (last write wins at the
// character-range level, not a full operational transform). The version
// advances either way so every sender's acknowledged version strictly
// increases.
func (fs *FileSession) ApplyChange(senderID string, baseVersion int64, changes []models.TextDelta) (int64, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	merged := baseVersion != fs.version
	for _, delta := range changes {
		fs.pending = append(fs.pending, pendingDelta{TextDelta: delta, SenderID: senderID})
	}
	if merged {
		sort.SliceStable(fs.pending, func(i, j int) bool {
			if fs.pending[i].Timestamp != fs.pending[j].Timestamp {
				return fs.pending[i].Timestamp < fs.pending[j].Timestamp
			}
			return fs.pending[i].SenderID < fs.pending[j].SenderID
		})
	}

	fs.version++
	fs.lastModified = time.Now()
	return fs.version, merged
}

// ClearPending drops the merged queue, typically after a successful save has
// flushed the reconciled content to disk.
func (fs *FileSession) ClearPending() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.pending = fs.pending[:0]
}
