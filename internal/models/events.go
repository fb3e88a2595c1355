package models

// EventType identifies an event on the server-sent event feed.
type EventType string

const (
	SessionStartedEvent   EventType = "session:started"
	SessionExitedEvent    EventType = "session:exited"
	SessionRecoveredEvent EventType = "session:recovered"
	HeartbeatEvent        EventType = "heartbeat"
)

// AppEvent is the envelope streamed to SSE clients.
type AppEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SessionEventPayload describes a session lifecycle transition.
type SessionEventPayload struct {
	SessionID     string `json:"session_id"`
	WorkspaceName string `json:"workspace_name"`
	PID           int    `json:"pid"`
	OwnerID       string `json:"owner_id,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
}

// HeartbeatPayload keeps SSE intermediaries from idling out the stream.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	Uptime    int64 `json:"uptime"`
}
