package ws

import (
	"sync"
	"time"

	"github.com/akaytatsu/cortex-sub000/internal/models"
)

// Conn is the subset of the websocket connection the gateway uses. The
// concrete type is gofiber/websocket's Conn; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Connection is one live socket: its identity, the user behind it, and the
// workspace it is associated with once the first workspace-carrying message
// arrives.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn Conn

	// writeMu serializes writes; websocket connections do not support
	// concurrent writers.
	writeMu sync.Mutex

	mu            sync.Mutex
	workspaceName string
	// watchedWorkspace is the workspace this connection holds a watch
	// reference for; empty when a subscribe failed or none was taken.
	watchedWorkspace string
	lastActivity     time.Time
	// terminalSubs tracks session ids this connection receives output for.
	terminalSubs map[string]bool
	// fileSessions tracks the file-session keys this connection is part of.
	fileSessions map[string]bool
}

func newConnection(id, userID string, conn Conn) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		UserID:       userID,
		ConnectedAt:  now,
		conn:         conn,
		lastActivity: now,
		terminalSubs: make(map[string]bool),
		fileSessions: make(map[string]bool),
	}
}

// Send marshals and writes a message envelope.
func (c *Connection) Send(msg *models.Message) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(textMessage, data)
}

// SendTyped builds and sends an envelope for the given payload.
func (c *Connection) SendTyped(t models.MessageType, payload interface{}, messageID string) error {
	msg, err := models.NewMessage(t, payload, messageID)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the last inbound message or pong.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Workspace returns the associated workspace name, or "" before association.
func (c *Connection) Workspace() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceName
}

func (c *Connection) setWorkspace(name string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.workspaceName
	c.workspaceName = name
	return previous
}

func (c *Connection) setWatchRef(name string) {
	c.mu.Lock()
	c.watchedWorkspace = name
	c.mu.Unlock()
}

// clearWatchRef returns the workspace a watch reference is held for, if any,
// and forgets it.
func (c *Connection) clearWatchRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.watchedWorkspace
	c.watchedWorkspace = ""
	return name
}

func (c *Connection) trackFileSession(key string) {
	c.mu.Lock()
	c.fileSessions[key] = true
	c.mu.Unlock()
}

func (c *Connection) trackedFileSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.fileSessions))
	for key := range c.fileSessions {
		keys = append(keys, key)
	}
	return keys
}

func (c *Connection) trackTerminal(sessionID string) {
	c.mu.Lock()
	c.terminalSubs[sessionID] = true
	c.mu.Unlock()
}

func (c *Connection) untrackTerminal(sessionID string) {
	c.mu.Lock()
	delete(c.terminalSubs, sessionID)
	c.mu.Unlock()
}

func (c *Connection) trackedTerminals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.terminalSubs))
	for id := range c.terminalSubs {
		ids = append(ids, id)
	}
	return ids
}
