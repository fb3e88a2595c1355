package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/akaytatsu/cortex-sub000/internal/files"
	"github.com/akaytatsu/cortex-sub000/internal/logger"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/recovery"
	"github.com/akaytatsu/cortex-sub000/internal/session"
	"github.com/akaytatsu/cortex-sub000/internal/watch"
	"github.com/akaytatsu/cortex-sub000/internal/workspace"
)

const (
	// pongWait is how long a connection may go silent before it is
	// forcibly closed.
	pongWait = 30 * time.Second

	// pingPeriod keeps pings comfortably inside the pong window so a
	// healthy connection always has a pong in flight before the deadline.
	pingPeriod = pongWait * 9 / 10

	writeWait = 10 * time.Second

	textMessage = websocket.TextMessage
)

func marshalMessage(msg *models.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Gateway accepts client connections, associates them with users and
// workspaces, and routes messages by their type discriminator to the session
// manager, the file content service, and the text change reconciler. It is an
// explicitly constructed instance with a Close lifecycle, not a package-level
// singleton.
type Gateway struct {
	manager    *session.Manager
	workspaces *workspace.Service
	files      *files.Service

	bridgeMu sync.RWMutex
	bridge   *watch.Bridge

	connsMu sync.RWMutex
	conns   map[string]*Connection

	filesMu      sync.Mutex
	fileSessions map[string]*FileSession
}

// NewGateway creates a connection gateway.
func NewGateway(manager *session.Manager, workspaces *workspace.Service, fileService *files.Service) *Gateway {
	return &Gateway{
		manager:      manager,
		workspaces:   workspaces,
		files:        fileService,
		conns:        make(map[string]*Connection),
		fileSessions: make(map[string]*FileSession),
	}
}

// SetBridge attaches the file watch bridge. The bridge is constructed after
// the gateway because the gateway is its change notifier.
func (g *Gateway) SetBridge(bridge *watch.Bridge) {
	g.bridgeMu.Lock()
	defer g.bridgeMu.Unlock()
	g.bridge = bridge
}

func (g *Gateway) watchBridge() *watch.Bridge {
	g.bridgeMu.RLock()
	defer g.bridgeMu.RUnlock()
	return g.bridge
}

// Handler returns the fiber handler upgrading requests to WebSocket.
func (g *Gateway) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		userID, _ := c.Locals("userId").(string)
		if userID == "" {
			userID = "anonymous"
		}
		return websocket.New(func(conn *websocket.Conn) {
			g.HandleConnection(conn, userID)
		})(c)
	}
}

// HandleConnection runs the read loop for one socket until it closes.
func (g *Gateway) HandleConnection(raw Conn, userID string) {
	c := newConnection(uuid.NewString(), userID, raw)

	g.connsMu.Lock()
	g.conns[c.ID] = c
	total := len(g.conns)
	g.connsMu.Unlock()

	logger.Infof("Connection %s registered for user %s (connections: %d)", c.ID, userID, total)

	defer g.cleanupConnection(c)

	raw.SetPongHandler(func(string) error {
		c.touch()
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	defer close(done)
	recovery.SafeGo("ping-"+c.ID, func() { g.pingLoop(c, done) })

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			logger.Debugf("Connection %s read ended: %v", c.ID, err)
			return
		}
		c.touch()
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))
		g.route(c, data)
	}
}

// pingLoop sends periodic pings and closes connections that stop answering.
func (g *Gateway) pingLoop(c *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(c.LastActivity()) > pongWait {
				logger.Warnf("Connection %s failed liveness check, closing", c.ID)
				_ = c.conn.Close()
				return
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debugf("Ping failed for connection %s: %v", c.ID, err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// route dispatches one inbound message. Unparseable payloads are logged and
// answered with a generic error; well-formed-but-invalid requests always get
// a structured error echoing the correlation id.
func (g *Gateway) route(c *Connection, data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warnf("Connection %s sent malformed message: %v", c.ID, err)
		g.sendError(c, "", "MalformedMessage", "message could not be parsed")
		return
	}

	switch msg.Type {
	case models.MessageConnectionStatus:
		g.handleConnectionStatus(c, &msg)
	case models.MessageFileContent:
		g.handleFileContent(c, &msg)
	case models.MessageSaveRequest:
		g.handleSaveRequest(c, &msg)
	case models.MessageTextChange:
		g.handleTextChange(c, &msg)
	case models.MessageStartSession:
		g.handleStartSession(c, &msg)
	case models.MessageStopSession:
		g.handleStopSession(c, &msg)
	case models.MessageTerminalInput:
		g.handleTerminalInput(c, &msg)
	case models.MessageTerminalResize:
		g.handleTerminalResize(c, &msg)
	case models.MessageHeartbeat:
		_ = c.SendTyped(models.MessageHeartbeat, models.HeartbeatPayload{Timestamp: time.Now().UnixMilli()}, msg.MessageID)
	default:
		g.sendError(c, msg.MessageID, "UnknownMessageType", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (g *Gateway) handleConnectionStatus(c *Connection, msg *models.Message) {
	var req models.ConnectionStatusRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Workspace == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "connection_status requires a workspace")
		return
	}

	ws, ok := g.workspaces.GetWorkspaceByName(req.Workspace)
	if !ok {
		g.sendError(c, msg.MessageID, "WorkspaceNotFound", fmt.Sprintf("workspace %q not found", req.Workspace))
		return
	}

	previous := c.setWorkspace(ws.Name)
	if previous != ws.Name {
		if bridge := g.watchBridge(); bridge != nil {
			if held := c.clearWatchRef(); held != "" {
				bridge.Unsubscribe(held)
			}
			// Only a successful subscribe takes a reference; cleanup must
			// never release one this connection does not hold.
			if err := bridge.Subscribe(ws.Name, ws.Path); err != nil {
				logger.Warnf("Failed to start watch for workspace %s: %v", ws.Name, err)
			} else {
				c.setWatchRef(ws.Name)
			}
		}
	}

	_ = c.SendTyped(models.MessageConnectionStatus, models.ConnectionStatus{
		ConnectionID: c.ID,
		Workspace:    ws.Name,
		Status:       "connected",
	}, msg.MessageID)
}

func (g *Gateway) handleFileContent(c *Connection, msg *models.Message) {
	var req models.FileContentRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Path == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "file_content requires a path")
		return
	}

	ws, ok := g.resolveWorkspace(c, req.Workspace)
	if !ok {
		g.sendError(c, msg.MessageID, "WorkspaceNotFound", fmt.Sprintf("workspace %q not found", req.Workspace))
		return
	}

	content, err := g.files.ReadFile(ws.Path, req.Path)
	if err != nil {
		g.sendError(c, msg.MessageID, "FileError", err.Error())
		return
	}

	fs := g.getOrCreateFileSession(ws.Name, req.Path)
	fs.AddConnection(c.ID)
	c.trackFileSession(fileSessionKey(ws.Name, req.Path))

	_ = c.SendTyped(models.MessageFileContent, models.FileContentResponse{
		Path:     req.Path,
		Content:  content.Content,
		MimeType: content.MimeType,
		Version:  fs.Version(),
	}, msg.MessageID)
}

func (g *Gateway) handleSaveRequest(c *Connection, msg *models.Message) {
	var req models.SaveRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Path == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "save_request requires a path")
		return
	}

	ws, ok := g.resolveWorkspace(c, req.Workspace)
	if !ok {
		g.sendError(c, msg.MessageID, "WorkspaceNotFound", fmt.Sprintf("workspace %q not found", req.Workspace))
		return
	}

	result, err := g.files.WriteFile(ws.Path, req.Path, req.Content, req.LastModified)
	if err != nil {
		g.sendError(c, msg.MessageID, "FileError", err.Error())
		return
	}

	if result.Success {
		if fs := g.lookupFileSession(ws.Name, req.Path); fs != nil {
			fs.ClearPending()
		}
	}

	_ = c.SendTyped(models.MessageSaveConfirmation, models.SaveConfirmation{
		Path:            req.Path,
		Success:         result.Success,
		Message:         result.Message,
		NewLastModified: result.NewLastModified,
	}, msg.MessageID)
}

func (g *Gateway) handleTextChange(c *Connection, msg *models.Message) {
	var req models.TextChangeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		g.sendError(c, msg.MessageID, "MalformedMessage", "text_change payload could not be parsed")
		return
	}
	// Missing path, changes, or version is the one hard error here.
	if req.Path == "" || len(req.Changes) == 0 || req.Version == nil {
		g.sendError(c, msg.MessageID, "MalformedMessage", "text_change requires path, changes and version")
		return
	}

	ws, ok := g.resolveWorkspace(c, req.Workspace)
	if !ok {
		g.sendError(c, msg.MessageID, "WorkspaceNotFound", fmt.Sprintf("workspace %q not found", req.Workspace))
		return
	}

	fs := g.getOrCreateFileSession(ws.Name, req.Path)
	fs.AddConnection(c.ID)
	c.trackFileSession(fileSessionKey(ws.Name, req.Path))

	version, merged := fs.ApplyChange(c.ID, *req.Version, req.Changes)

	_ = c.SendTyped(models.MessageTextChangeAck, models.TextChangeAck{
		Path:    req.Path,
		Success: true,
		Version: version,
		Merged:  merged,
	}, msg.MessageID)

	// Relay the change to the other editors of this file.
	relay, err := models.NewMessage(models.MessageTextChange, req, "")
	if err != nil {
		return
	}
	for _, connID := range fs.Connections() {
		if connID == c.ID {
			continue
		}
		if peer := g.connection(connID); peer != nil {
			if err := peer.Send(relay); err != nil {
				logger.Debugf("Failed to relay text change to %s: %v", connID, err)
			}
		}
	}
}

func (g *Gateway) handleStartSession(c *Connection, msg *models.Message) {
	var req models.StartSessionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == "" || req.Workspace == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "start_session requires a workspace and sessionId")
		return
	}

	ws, ok := g.workspaces.GetWorkspaceByName(req.Workspace)
	if !ok {
		g.sendError(c, msg.MessageID, "WorkspaceNotFound", fmt.Sprintf("workspace %q not found", req.Workspace))
		return
	}

	result, err := g.manager.Start(session.StartOptions{
		WorkspacePath: ws.Path,
		WorkspaceName: ws.Name,
		SessionID:     req.SessionID,
		OwnerID:       c.UserID,
		Command:       req.Command,
		AgentName:     req.AgentName,
	})
	if err != nil {
		g.sendError(c, msg.MessageID, session.ErrorCode(err), err.Error())
		return
	}

	_ = c.SendTyped(models.MessageSessionStatus, models.SessionStatus{
		SessionID: result.SessionID,
		PID:       result.PID,
		Status:    "started",
	}, msg.MessageID)

	g.attachTerminal(c, result.SessionID)
}

func (g *Gateway) handleStopSession(c *Connection, msg *models.Message) {
	var req models.StopSessionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "stop_session requires a sessionId")
		return
	}

	found := g.manager.Stop(req.SessionID)
	status := "stopped"
	if !found {
		status = "not_found"
	}
	_ = c.SendTyped(models.MessageSessionStatus, models.SessionStatus{
		SessionID: req.SessionID,
		Status:    status,
	}, msg.MessageID)
}

func (g *Gateway) handleTerminalInput(c *Connection, msg *models.Message) {
	var req models.TerminalInput
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == "" {
		g.sendError(c, msg.MessageID, "MalformedMessage", "terminal_input requires a sessionId")
		return
	}

	if err := g.manager.WriteInput(req.SessionID, []byte(req.Data)); err != nil {
		g.sendError(c, msg.MessageID, session.ErrorCode(err), err.Error())
	}
}

func (g *Gateway) handleTerminalResize(c *Connection, msg *models.Message) {
	var req models.TerminalResize
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SessionID == "" || req.Cols == 0 || req.Rows == 0 {
		g.sendError(c, msg.MessageID, "MalformedMessage", "terminal_resize requires sessionId, cols and rows")
		return
	}

	if err := g.manager.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		g.sendError(c, msg.MessageID, session.ErrorCode(err), err.Error())
	}
}

// attachTerminal subscribes the connection to a session's output stream and
// forwards it until the process exits or the connection unsubscribes. A
// mid-session process death surfaces as a session_status message, not as a
// connection error.
func (g *Gateway) attachTerminal(c *Connection, sessionID string) {
	replay, ch, err := g.manager.Subscribe(sessionID, c.ID)
	if err != nil {
		logger.Debugf("Connection %s could not attach to session %s: %v", c.ID, sessionID, err)
		return
	}
	c.trackTerminal(sessionID)

	recovery.SafeGoWithCleanup("terminal-"+sessionID+"-"+c.ID, func() {
		if len(replay) > 0 {
			_ = c.SendTyped(models.MessageTerminalOutput, models.TerminalOutput{
				SessionID: sessionID,
				Data:      string(replay),
			}, "")
		}
		for data := range ch {
			if err := c.SendTyped(models.MessageTerminalOutput, models.TerminalOutput{
				SessionID: sessionID,
				Data:      string(data),
			}, ""); err != nil {
				return
			}
		}
		_ = c.SendTyped(models.MessageSessionStatus, models.SessionStatus{
			SessionID: sessionID,
			Status:    "exited",
			Message:   "session process exited",
		}, "")
	}, func() {
		c.untrackTerminal(sessionID)
	})
}

// WatchSession lets already-connected clients attach their terminal to an
// existing session via the REST layer or a reconnect.
func (g *Gateway) WatchSession(connID, sessionID string) bool {
	c := g.connection(connID)
	if c == nil {
		return false
	}
	g.attachTerminal(c, sessionID)
	return true
}

// NotifyExternalChange implements watch.Notifier: it fans an external file
// change out to every connection watching the workspace.
func (g *Gateway) NotifyExternalChange(workspaceName string, change models.ExternalChange) {
	msg, err := models.NewMessage(models.MessageExternalChange, change, "")
	if err != nil {
		return
	}

	g.connsMu.RLock()
	targets := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		if c.Workspace() == workspaceName {
			targets = append(targets, c)
		}
	}
	g.connsMu.RUnlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			logger.Debugf("Failed to deliver external change to %s: %v", c.ID, err)
		}
	}
}

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()
	return len(g.conns)
}

// FileSessionCount returns the number of live file sessions.
func (g *Gateway) FileSessionCount() int {
	g.filesMu.Lock()
	defer g.filesMu.Unlock()
	return len(g.fileSessions)
}

// Close drops every connection.
func (g *Gateway) Close() {
	g.connsMu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// cleanupConnection deregisters the connection from every file session it was
// part of, detaches its terminal subscriptions, and releases its watch
// reference.
func (g *Gateway) cleanupConnection(c *Connection) {
	g.connsMu.Lock()
	delete(g.conns, c.ID)
	remaining := len(g.conns)
	g.connsMu.Unlock()

	for _, key := range c.trackedFileSessions() {
		g.dropFromFileSession(key, c.ID)
	}

	for _, sessionID := range c.trackedTerminals() {
		g.manager.Unsubscribe(sessionID, c.ID)
	}

	if held := c.clearWatchRef(); held != "" {
		if bridge := g.watchBridge(); bridge != nil {
			bridge.Unsubscribe(held)
		}
	}

	_ = c.conn.Close()
	logger.Infof("Connection %s closed (connections: %d)", c.ID, remaining)
}

func (g *Gateway) sendError(c *Connection, messageID, code, message string) {
	if err := c.SendTyped(models.MessageError, models.ErrorPayload{Code: code, Message: message}, messageID); err != nil {
		logger.Debugf("Failed to send error reply to %s: %v", c.ID, err)
	}
}

// resolveWorkspace resolves the request's workspace, falling back to the
// connection's associated workspace.
func (g *Gateway) resolveWorkspace(c *Connection, name string) (*models.Workspace, bool) {
	if name == "" {
		name = c.Workspace()
	}
	if name == "" {
		return nil, false
	}
	return g.workspaces.GetWorkspaceByName(name)
}

func (g *Gateway) connection(id string) *Connection {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()
	return g.conns[id]
}

func fileSessionKey(workspaceName, path string) string {
	return workspaceName + "\x00" + path
}

func (g *Gateway) getOrCreateFileSession(workspaceName, path string) *FileSession {
	key := fileSessionKey(workspaceName, path)
	g.filesMu.Lock()
	defer g.filesMu.Unlock()

	fs, ok := g.fileSessions[key]
	if !ok {
		fs = NewFileSession(workspaceName, path)
		g.fileSessions[key] = fs
	}
	return fs
}

func (g *Gateway) lookupFileSession(workspaceName, path string) *FileSession {
	g.filesMu.Lock()
	defer g.filesMu.Unlock()
	return g.fileSessions[fileSessionKey(workspaceName, path)]
}

// dropFromFileSession removes a connection from a file session and discards
// the session once its connection set is empty.
func (g *Gateway) dropFromFileSession(key, connID string) {
	g.filesMu.Lock()
	defer g.filesMu.Unlock()

	fs, ok := g.fileSessions[key]
	if !ok {
		return
	}
	if fs.RemoveConnection(connID) {
		delete(g.fileSessions, key)
	}
}
