package session

import (
	"fmt"
	"strings"
)

// DefaultAllowedCommands lists the executables a session may run. Only bare
// binary names are accepted; paths and shell constructs are rejected.
var DefaultAllowedCommands = []string{"claude", "gemini", "codex", "aider", "bash", "sh"}

const shellMetacharacters = ";&|$`()<>"

// ValidateCommand checks a session command against the allow-list and rejects
// shell metacharacters anywhere in the command line. The command must fail
// validation before any process is spawned.
func ValidateCommand(command string, allowed []string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}

	if strings.ContainsAny(command, shellMetacharacters) {
		return fmt.Errorf("%w: %q", ErrDangerousCommand, command)
	}

	fields := strings.Fields(command)
	binary := fields[0]

	if strings.ContainsAny(binary, "/\\") {
		return fmt.Errorf("%w: path-qualified binary %q", ErrInvalidCommand, binary)
	}

	for _, name := range allowed {
		if binary == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidCommand, binary)
}

// SplitCommand splits a validated command line into binary and arguments.
func SplitCommand(command string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
