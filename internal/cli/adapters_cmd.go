package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/detect"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List agent adapters",
	Long: `List the adapters this tool can launch: the builtins, plus anything
registered under "adapters" in the global config. Any other id passed
to --agent is launched ad-hoc as an npm package, unless
strict_adapters is set.

With --detect, each adapter's launch command is checked against PATH
and the usual install locations, and its version probed.`,
	RunE: runAdapters,
}

var adaptersRegisterCmd = &cobra.Command{
	Use:   "register <id> --command <binary>",
	Short: "Register an adapter in the global config",
	Long: `Add or replace an adapter entry in ~/.taskloop/config.json. The
command must speak newline-delimited JSON-RPC on its stdio.

Example:
  taskloop adapters register mytool --command mytool-acp --arg --stdio --description "My agent"`,
	Args: cobra.ExactArgs(1),
	RunE: runAdaptersRegister,
}

func init() {
	adaptersCmd.Flags().Bool("detect", false, "Probe which adapters are installed")
	adaptersRegisterCmd.Flags().String("command", "", "Binary to launch (required)")
	adaptersRegisterCmd.Flags().StringArray("arg", nil, "Argument to pass (repeatable)")
	adaptersRegisterCmd.Flags().StringArray("env", nil, "KEY=VALUE environment entry (repeatable)")
	adaptersRegisterCmd.Flags().String("description", "", "Short description shown by 'taskloop adapters'")
	adaptersCmd.AddCommand(adaptersRegisterCmd)
	rootCmd.AddCommand(adaptersCmd)
}

func runAdaptersRegister(cmd *cobra.Command, args []string) error {
	id := args[0]
	command, _ := cmd.Flags().GetString("command")
	if command == "" {
		return fmt.Errorf("--command is required")
	}
	cmdArgs, _ := cmd.Flags().GetStringArray("arg")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	description, _ := cmd.Flags().GetString("description")

	var env map[string]string
	for _, pair := range envPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return fmt.Errorf("bad --env entry %q (want KEY=VALUE)", pair)
		}
		if env == nil {
			env = make(map[string]string)
		}
		env[k] = v
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.SetAdapter(id, config.AdapterConfig{
		Command:     command,
		Args:        cmdArgs,
		Env:         env,
		Description: description,
	})
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("  %sAdapter %s registered.%s Run it with 'taskloop run --agent %s'.\n",
		styleBoldGreen, id, colorReset, id)
	return nil
}

func runAdapters(cmd *cobra.Command, args []string) error {
	globalCfg, _ := config.Load()
	reg := agent.NewRegistry(globalCfg)
	probe, _ := cmd.Flags().GetBool("detect")

	if probe {
		printHeader("Installed adapters")
		installed := detect.Scan(reg)
		if len(installed) == 0 {
			fmt.Printf("  %sNone of the registered adapters resolve to an executable.%s\n",
				colorDim, colorReset)
			return nil
		}
		var rows [][]string
		for _, rec := range installed {
			version := rec.Version
			if version == "" {
				version = "-"
			}
			rows = append(rows, []string{rec.ID, version, rec.Path})
		}
		printTable([]string{"ID", "Version", "Path"}, rows)
		return nil
	}

	printHeader("Adapters")
	var rows [][]string
	for _, id := range reg.Known() {
		d, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		name := id
		if id == agent.DefaultAdapter {
			name += " " + colorDim + "(default)" + colorReset
		}
		launch := d.Command
		if len(d.Args) > 0 {
			launch += " " + strings.Join(d.Args, " ")
		}
		rows = append(rows, []string{name, launch, d.Description})
	}
	printTable([]string{"ID", "Launch", "Description"}, rows)

	fmt.Println()
	fmt.Printf("  %sRun with 'taskloop run --agent <id>'; check installs with 'taskloop adapters --detect'.%s\n",
		colorDim, colorReset)
	return nil
}
