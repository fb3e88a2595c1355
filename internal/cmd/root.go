package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/akaytatsu/cortex-sub000/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cortex",
	Short: "Cortex - session and workspace server for coding assistants",
	Long: `Cortex runs coding-assistant processes inside named workspaces and
exposes them to editor clients over WebSocket: terminal streams, file
content, collaborative text changes, and external-change notifications.

Sessions are persisted and recovered across server restarts.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Configure(logger.LevelFromEnv(), isTerminal())
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// isTerminal enables pretty log output when attached to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
