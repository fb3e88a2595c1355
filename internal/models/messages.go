package models

import "encoding/json"

// MessageType discriminates every message exchanged over the gateway. The set
// is closed: unknown types always produce an error reply, never a silent drop.
type MessageType string

const (
	MessageFileContent      MessageType = "file_content"
	MessageSaveRequest      MessageType = "save_request"
	MessageSaveConfirmation MessageType = "save_confirmation"
	MessageTextChange       MessageType = "text_change"
	MessageTextChangeAck    MessageType = "text_change_ack"
	MessageExternalChange   MessageType = "external_change"
	MessageConnectionStatus MessageType = "connection_status"
	MessageStartSession     MessageType = "start_session"
	MessageStopSession      MessageType = "stop_session"
	MessageSessionStatus    MessageType = "session_status"
	MessageTerminalInput    MessageType = "terminal_input"
	MessageTerminalOutput   MessageType = "terminal_output"
	MessageTerminalResize   MessageType = "terminal_resize"
	MessageHeartbeat        MessageType = "heartbeat"
	MessageError            MessageType = "error"
)

// Message is the wire envelope. MessageID is an optional correlation
// identifier echoed back on every reply, including error replies.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewMessage marshals payload into an envelope. Marshal errors are reported
// to the caller rather than swallowed so a reply is never silently dropped.
func NewMessage(t MessageType, payload interface{}, messageID string) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: raw, MessageID: messageID}, nil
}

// FileContentRequest asks for the content of a file within a workspace.
type FileContentRequest struct {
	Workspace string `json:"workspace"`
	Path      string `json:"path"`
}

// FileContentResponse carries file content back to the client.
type FileContentResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
	Version  int64  `json:"version"`
}

// SaveRequest asks the server to write file content to disk.
type SaveRequest struct {
	Workspace    string `json:"workspace"`
	Path         string `json:"path"`
	Content      string `json:"content"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// SaveConfirmation reports the outcome of a save request.
type SaveConfirmation struct {
	Path            string `json:"path"`
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	NewLastModified int64  `json:"newLastModified,omitempty"`
}

// TextDelta is a single text edit within a change submission. Timestamp
// ordering drives conflict resolution for concurrent editors.
type TextDelta struct {
	RangeStart int    `json:"rangeStart"`
	RangeEnd   int    `json:"rangeEnd"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// TextChangeRequest submits deltas against the version the sender believes
// the file is at.
type TextChangeRequest struct {
	Workspace string      `json:"workspace"`
	Path      string      `json:"path"`
	Version   *int64      `json:"version"`
	Changes   []TextDelta `json:"changes"`
}

// TextChangeAck acknowledges a change submission with the new version.
type TextChangeAck struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
	Version int64  `json:"version"`
	Merged  bool   `json:"merged,omitempty"`
}

// ExternalChange notifies watchers that a file changed outside the editor.
type ExternalChange struct {
	Workspace string `json:"workspace"`
	Path      string `json:"path"`
	Op        string `json:"op"`
	Timestamp int64  `json:"timestamp"`
}

// ConnectionStatusRequest associates the connection with a workspace and is
// answered with a ConnectionStatus acknowledgment.
type ConnectionStatusRequest struct {
	Workspace string `json:"workspace"`
}

// ConnectionStatus acknowledges a connection's registration state.
type ConnectionStatus struct {
	ConnectionID string `json:"connectionId"`
	Workspace    string `json:"workspace,omitempty"`
	Status       string `json:"status"`
}

// StartSessionRequest starts a coding-assistant process in a workspace.
type StartSessionRequest struct {
	Workspace string `json:"workspace"`
	SessionID string `json:"sessionId"`
	Command   string `json:"command,omitempty"`
	AgentName string `json:"agentName,omitempty"`
}

// StopSessionRequest stops a running session.
type StopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionStatus reports lifecycle transitions of a session over the
// connection, including mid-session process death.
type SessionStatus struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// TerminalInput carries keystrokes for a session's PTY.
type TerminalInput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalOutput carries PTY output back to the client.
type TerminalOutput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResize adjusts the PTY window size.
type TerminalResize struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// ErrorPayload is the structured error reply. Code values follow the error
// taxonomy of the session package.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
