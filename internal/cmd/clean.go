package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akaytatsu/cortex-sub000/internal/config"
	"github.com/akaytatsu/cortex-sub000/internal/store"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clear persisted session state",
	Long: `Removes every persisted session record from the state directory.

Run this while the server is stopped to prevent the next start from trying
to recover sessions left over from a previous run. The processes themselves
are not signaled.`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	st, err := store.NewSessionStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	sessions, err := st.Load()
	if err != nil {
		return fmt.Errorf("failed to read session records: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no session records to remove")
		return nil
	}

	if err := st.RemoveAll(); err != nil {
		return fmt.Errorf("failed to clear session records: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %d session record(s)\n", len(sessions))
	return nil
}
