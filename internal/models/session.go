package models

import "time"

// Session is the durable record of a coding-assistant session tied to an OS
// process. It survives server restarts through the session store; the live
// process handle itself is owned by the session manager and never persisted.
type Session struct {
	ID            string    `json:"id"`
	WorkspaceName string    `json:"workspace_name"`
	WorkspacePath string    `json:"workspace_path"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	OwnerID       string    `json:"owner_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	Command       string    `json:"command,omitempty"`
	// Recovered is set once the record has been reattached after a server
	// restart; such sessions only support liveness probes and signals.
	Recovered bool `json:"recovered,omitempty"`
}

// SessionInfo is the metadata returned for a live session handle.
type SessionInfo struct {
	ID            string    `json:"id"`
	WorkspaceName string    `json:"workspace_name"`
	WorkspacePath string    `json:"workspace_path"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	OwnerID       string    `json:"owner_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	Command       string    `json:"command,omitempty"`
	Recovered     bool      `json:"recovered"`
}

// Workspace identifies a named workspace root. Externally owned; this core
// only resolves names to validated paths.
type Workspace struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}
