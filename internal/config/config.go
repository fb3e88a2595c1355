// Package config resolves the server configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds everything the server needs to come up. All values have
// working defaults so a bare `cortex serve` runs against the current user's
// home directory.
type Config struct {
	// Host and Port are the listen address.
	Host string
	Port int

	// WorkspaceRoot confines every workspace path and session working
	// directory.
	WorkspaceRoot string
	// WorkspacesFile is the optional YAML file naming workspaces under the
	// root.
	WorkspacesFile string
	// StateDir holds the persisted session records and their backups.
	StateDir string

	// ReapInterval is how often the reaper sweeps; MaxSessionAge is the age
	// past which a session is reaped.
	ReapInterval  time.Duration
	MaxSessionAge time.Duration
}

// Load reads CORTEX_* environment variables and fills in defaults.
func Load() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	baseDir := filepath.Join(homeDir, ".cortex")

	cfg := &Config{
		Host:          envString("CORTEX_HOST", "0.0.0.0"),
		Port:          envInt("CORTEX_PORT", 8181),
		WorkspaceRoot: envString("CORTEX_WORKSPACE_ROOT", filepath.Join(baseDir, "workspaces")),
		StateDir:      envString("CORTEX_STATE_DIR", filepath.Join(baseDir, "state")),
		ReapInterval:  envDuration("CORTEX_REAP_INTERVAL", 30*time.Minute),
		MaxSessionAge: envDuration("CORTEX_MAX_SESSION_AGE", 12*time.Hour),
	}
	cfg.WorkspacesFile = envString("CORTEX_WORKSPACES_FILE", filepath.Join(cfg.WorkspaceRoot, "workspaces.yaml"))
	return cfg
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
