package session

import "errors"

// Error taxonomy for session lifecycle operations. Callers classify with
// errors.Is; the gateway maps these onto structured error replies.
var (
	// ErrInvalidPath means a workspace path escapes the authorized root.
	ErrInvalidPath = errors.New("workspace path outside authorized root")

	// ErrInvalidCommand means the executable is not on the allow-list.
	ErrInvalidCommand = errors.New("command not allowed")

	// ErrDangerousCommand means the command contains shell metacharacters.
	ErrDangerousCommand = errors.New("command contains shell metacharacters")

	// ErrProcessExists means the session id already has a live process.
	ErrProcessExists = errors.New("session already has a running process")

	// ErrProcessNotFound means no live handle exists for the session id.
	ErrProcessNotFound = errors.New("no process found for session")

	// ErrPermissionDenied means the OS refused signal delivery. The process
	// state is indeterminate: it must not be treated as dead.
	ErrPermissionDenied = errors.New("permission denied signaling process")
)

// ErrorCode maps a lifecycle error onto its wire code for error replies.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPath):
		return "InvalidPath"
	case errors.Is(err, ErrDangerousCommand):
		return "DangerousCommand"
	case errors.Is(err, ErrInvalidCommand):
		return "InvalidCommand"
	case errors.Is(err, ErrProcessExists):
		return "ProcessExists"
	case errors.Is(err, ErrProcessNotFound):
		return "ProcessNotFound"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	default:
		return "InternalError"
	}
}
