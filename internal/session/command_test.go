package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr error
	}{
		{"allowed bare", "claude", nil},
		{"allowed with args", "claude --resume abc", nil},
		{"empty", "", ErrInvalidCommand},
		{"not on list", "rm -rf /", ErrInvalidCommand},
		{"path qualified", "/usr/bin/bash", ErrInvalidCommand},
		{"relative path", "./bash", ErrInvalidCommand},
		{"semicolon", "bash; reboot", ErrDangerousCommand},
		{"pipe", "claude | tee out", ErrDangerousCommand},
		{"backtick", "claude `id`", ErrDangerousCommand},
		{"dollar", "claude $HOME", ErrDangerousCommand},
		{"redirect", "claude > /etc/passwd", ErrDangerousCommand},
		{"subshell", "claude (true)", ErrDangerousCommand},
		{"ampersand", "claude & sleep 1", ErrDangerousCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.command, DefaultAllowedCommands)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommandCustomAllowList(t *testing.T) {
	err := ValidateCommand("claude", []string{"vim"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	assert.NoError(t, ValidateCommand("vim", []string{"vim"}))
}

func TestSplitCommand(t *testing.T) {
	binary, args := SplitCommand("claude --resume abc")
	require.Equal(t, "claude", binary)
	assert.Equal(t, []string{"--resume", "abc"}, args)

	binary, args = SplitCommand("sh")
	require.Equal(t, "sh", binary)
	assert.Empty(t, args)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "InvalidPath", ErrorCode(ErrInvalidPath))
	assert.Equal(t, "DangerousCommand", ErrorCode(ErrDangerousCommand))
	assert.Equal(t, "InvalidCommand", ErrorCode(ErrInvalidCommand))
	assert.Equal(t, "ProcessExists", ErrorCode(ErrProcessExists))
	assert.Equal(t, "ProcessNotFound", ErrorCode(ErrProcessNotFound))
	assert.Equal(t, "PermissionDenied", ErrorCode(ErrPermissionDenied))
	assert.Equal(t, "InternalError", ErrorCode(assert.AnError))
}
