package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		bi := buildinfo.Current()
		fmt.Printf("taskloop %s\n", bi.Short())
		if bi.Date != "" {
			fmt.Printf("  built %s\n", bi.Date)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
