package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/looprun"
)

// sessionDaemonCmd is the hidden entrypoint 'run --detach' re-execs
// into. It is not for humans; the session must already exist with its
// run parameters saved.
var sessionDaemonCmd = &cobra.Command{
	Use:    "_session-daemon",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			return fmt.Errorf("_session-daemon requires --id")
		}
		return looprun.RunDaemon(id)
	},
}

func init() {
	sessionDaemonCmd.Flags().String("id", "", "Session id to run")
	rootCmd.AddCommand(sessionDaemonCmd)
}
