package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/detect"
	"github.com/taskloop/taskloop/internal/taskstore"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a taskloop project",
	Long: `Initialize a taskloop project in the current directory (or --dir).
Creates the .taskloop/ directory with tasks/, specs/ and sessions/.

Examples:
  # Initialize in current directory
  taskloop init

  # Initialize with a custom name
  taskloop init --name my-project`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("name", "", "Project name (defaults to directory name)")
	initCmd.Flags().String("dir", ".", "Project directory")
	initCmd.Flags().String("agent", "", "Default adapter for this project")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dirFlag, _ := cmd.Flags().GetString("dir")
	name, _ := cmd.Flags().GetString("name")
	agentID, _ := cmd.Flags().GetString("agent")

	absDir, err := filepath.Abs(dirFlag)
	if err != nil {
		return fmt.Errorf("resolving project dir: %w", err)
	}
	if name == "" {
		name = filepath.Base(absDir)
	}

	store, err := taskstore.New(absDir)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	if store.Exists() {
		fmt.Println()
		fmt.Printf("  %staskloop project already exists%s\n", styleBoldCyan, colorReset)
		printField("Store", store.Root())
		return nil
	}

	globalCfg, _ := config.Load()
	reg := agent.NewRegistry(globalCfg)
	if agentID != "" {
		if _, ok := reg.Lookup(agentID); !ok {
			return fmt.Errorf("unknown adapter %q (known: %v)", agentID, reg.Known())
		}
	}

	if err := store.Init(taskstore.ProjectConfig{Name: name, DefaultAgent: agentID}); err != nil {
		return fmt.Errorf("initializing project: %w", err)
	}

	fmt.Println()
	fmt.Printf("  %staskloop project initialized%s\n", styleBoldGreen, colorReset)
	fmt.Println()
	printField("Project", name)
	printField("Store", store.Root())
	fmt.Println()
	fmt.Printf("  %sCreated:%s\n", colorDim, colorReset)
	fmt.Printf("    %s/project.json\n", store.Root())
	fmt.Printf("    %s/tasks/\n", store.Root())
	fmt.Printf("    %s/specs/\n", store.Root())
	fmt.Printf("    %s/sessions/\n", store.Root())

	if installed := detect.Scan(reg); len(installed) > 0 {
		fmt.Println()
		fmt.Printf("  %sInstalled adapters:%s\n", colorBold, colorReset)
		for _, rec := range installed {
			line := "    " + rec.ID
			if rec.Version != "" {
				line += " v" + rec.Version
			}
			fmt.Println(line)
		}
	} else {
		fmt.Println()
		fmt.Printf("  %sNo adapter binaries found on PATH. See 'taskloop adapters --detect'.%s\n",
			colorDim, colorReset)
	}

	fmt.Println()
	fmt.Printf("  Next: %staskloop tasks add \"<title>\"%s then %staskloop run%s.\n",
		styleBoldWhite, colorReset, styleBoldWhite, colorReset)

	cwd, _ := os.Getwd()
	if cwd != absDir {
		fmt.Printf("  Note: project was created at %s (not the current directory).\n", absDir)
	}
	return nil
}
