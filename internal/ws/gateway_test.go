package ws

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaytatsu/cortex-sub000/internal/files"
	"github.com/akaytatsu/cortex-sub000/internal/models"
	"github.com/akaytatsu/cortex-sub000/internal/session"
	"github.com/akaytatsu/cortex-sub000/internal/store"
	"github.com/akaytatsu/cortex-sub000/internal/watch"
	"github.com/akaytatsu/cortex-sub000/internal/workspace"
)

// fakeConn is an in-memory Conn for driving the gateway without a socket.
type fakeConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written []models.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) send(t *testing.T, msgType models.MessageType, payload interface{}, messageID string) {
	t.Helper()
	msg, err := models.NewMessage(msgType, payload, messageID)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.inbound <- data
}

// waitFor returns the first written message of the given type.
func (f *fakeConn) waitFor(t *testing.T, msgType models.MessageType) models.Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, msg := range f.written {
			if msg.Type == msgType {
				f.mu.Unlock()
				return msg
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s message written", msgType)
	return models.Message{}
}

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "demo"), 0o755))

	sessionStore, err := store.NewSessionStore(t.TempDir())
	require.NoError(t, err)
	manager := session.NewManager(root, sessionStore)

	g := NewGateway(manager, workspace.NewService(root), files.NewService())
	return g, root
}

func runConnection(t *testing.T, g *Gateway, conn *fakeConn) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		g.HandleConnection(conn, "user-1")
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("connection handler did not return")
		}
	})
}

func TestUnknownMessageTypeEchoesMessageID(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, "bogus_type", nil, "req-42")

	reply := conn.waitFor(t, models.MessageError)
	assert.Equal(t, "req-42", reply.MessageID)

	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "UnknownMessageType", payload.Code)
}

func TestMalformedPayloadGetsGenericError(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.inbound <- []byte("{not json")

	reply := conn.waitFor(t, models.MessageError)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "MalformedMessage", payload.Code)
}

func TestConnectionStatusAssociatesWorkspace(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageConnectionStatus, models.ConnectionStatusRequest{Workspace: "demo"}, "req-1")

	reply := conn.waitFor(t, models.MessageConnectionStatus)
	assert.Equal(t, "req-1", reply.MessageID)

	var status models.ConnectionStatus
	require.NoError(t, json.Unmarshal(reply.Payload, &status))
	assert.Equal(t, "demo", status.Workspace)
	assert.Equal(t, "connected", status.Status)
	assert.NotEmpty(t, status.ConnectionID)
}

func TestConnectionStatusUnknownWorkspace(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageConnectionStatus, models.ConnectionStatusRequest{Workspace: "nope"}, "req-1")

	reply := conn.waitFor(t, models.MessageError)
	assert.Equal(t, "req-1", reply.MessageID)

	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "WorkspaceNotFound", payload.Code)
}

func TestFailedWatchSubscribeHoldsNoReference(t *testing.T) {
	g, root := newTestGateway(t)
	bridge := watch.NewBridge(g)
	g.SetBridge(bridge)
	t.Cleanup(bridge.Close)

	// A configured workspace whose directory does not exist yet: resolution
	// succeeds but starting the watch fails.
	ghost := filepath.Join(root, "ghost")
	cfg := filepath.Join(t.TempDir(), "workspaces.yaml")
	require.NoError(t, os.WriteFile(cfg,
		[]byte("workspaces:\n  - name: ghost\n    path: "+ghost+"\n"), 0o644))
	require.NoError(t, g.workspaces.LoadFromFile(cfg))

	first := newFakeConn()
	runConnection(t, g, first)
	first.send(t, models.MessageConnectionStatus, models.ConnectionStatusRequest{Workspace: "ghost"}, "req-1")
	first.waitFor(t, models.MessageConnectionStatus)
	assert.Zero(t, bridge.Refs("ghost"))

	// A second connection subscribes once the directory exists.
	require.NoError(t, os.MkdirAll(ghost, 0o755))
	second := newFakeConn()
	runConnection(t, g, second)
	second.send(t, models.MessageConnectionStatus, models.ConnectionStatusRequest{Workspace: "ghost"}, "req-2")
	second.waitFor(t, models.MessageConnectionStatus)
	require.Equal(t, 1, bridge.Refs("ghost"))

	// Closing the connection whose subscribe failed must not tear down the
	// watch the second connection still relies on.
	first.Close()
	require.Eventually(t, func() bool {
		return g.ConnectionCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, bridge.Refs("ghost"))
}

func TestHeartbeatIsAnswered(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageHeartbeat, models.HeartbeatPayload{Timestamp: 1}, "hb-1")

	reply := conn.waitFor(t, models.MessageHeartbeat)
	assert.Equal(t, "hb-1", reply.MessageID)
}

func TestFileContentAndTextChangeFlow(t *testing.T) {
	g, root := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "demo", "main.go"), []byte("package main\n"), 0o644))

	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageFileContent, models.FileContentRequest{Workspace: "demo", Path: "main.go"}, "req-1")

	reply := conn.waitFor(t, models.MessageFileContent)
	var content models.FileContentResponse
	require.NoError(t, json.Unmarshal(reply.Payload, &content))
	assert.Equal(t, "package main\n", content.Content)
	assert.Equal(t, int64(0), content.Version)
	assert.Equal(t, 1, g.FileSessionCount())

	base := int64(0)
	conn.send(t, models.MessageTextChange, models.TextChangeRequest{
		Workspace: "demo",
		Path:      "main.go",
		Version:   &base,
		Changes:   []models.TextDelta{{Text: "x", Timestamp: 5}},
	}, "req-2")

	ackMsg := conn.waitFor(t, models.MessageTextChangeAck)
	assert.Equal(t, "req-2", ackMsg.MessageID)

	var ack models.TextChangeAck
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, int64(1), ack.Version)
	assert.False(t, ack.Merged)
}

func TestTextChangeMissingVersionIsHardError(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageTextChange, models.TextChangeRequest{
		Workspace: "demo",
		Path:      "main.go",
		Changes:   []models.TextDelta{{Text: "x"}},
	}, "req-1")

	reply := conn.waitFor(t, models.MessageError)
	assert.Equal(t, "req-1", reply.MessageID)

	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, "MalformedMessage", payload.Code)
}

func TestStopUnknownSessionReportsNotFound(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := newFakeConn()
	runConnection(t, g, conn)

	conn.send(t, models.MessageStopSession, models.StopSessionRequest{SessionID: "ghost"}, "req-1")

	reply := conn.waitFor(t, models.MessageSessionStatus)
	var status models.SessionStatus
	require.NoError(t, json.Unmarshal(reply.Payload, &status))
	assert.Equal(t, "not_found", status.Status)
}

func TestCloseCleansUpConnectionAndFileSessions(t *testing.T) {
	g, root := newTestGateway(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "demo", "main.go"), []byte("x"), 0o644))

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		g.HandleConnection(conn, "user-1")
		close(done)
	}()

	conn.send(t, models.MessageFileContent, models.FileContentRequest{Workspace: "demo", Path: "main.go"}, "req-1")
	conn.waitFor(t, models.MessageFileContent)

	require.Equal(t, 1, g.ConnectionCount())
	require.Equal(t, 1, g.FileSessionCount())

	conn.Close()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection handler did not return")
	}

	assert.Equal(t, 0, g.ConnectionCount())
	assert.Equal(t, 0, g.FileSessionCount(), "empty file session should be discarded")
}

func TestExternalChangeReachesWorkspaceConnections(t *testing.T) {
	g, _ := newTestGateway(t)

	watching := newFakeConn()
	runConnection(t, g, watching)
	watching.send(t, models.MessageConnectionStatus, models.ConnectionStatusRequest{Workspace: "demo"}, "req-1")
	watching.waitFor(t, models.MessageConnectionStatus)

	other := newFakeConn()
	runConnection(t, g, other)

	g.NotifyExternalChange("demo", models.ExternalChange{
		Workspace: "demo",
		Path:      "main.go",
		Op:        "write",
		Timestamp: time.Now().UnixMilli(),
	})

	msg := watching.waitFor(t, models.MessageExternalChange)
	var change models.ExternalChange
	require.NoError(t, json.Unmarshal(msg.Payload, &change))
	assert.Equal(t, "main.go", change.Path)

	other.mu.Lock()
	for _, m := range other.written {
		assert.NotEqual(t, models.MessageExternalChange, m.Type, "unassociated connection must not be notified")
	}
	other.mu.Unlock()
}
