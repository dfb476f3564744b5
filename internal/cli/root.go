package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/buildinfo"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/failedcmd"
	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/taskstore"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldRed    = "\033[1;31m"
	styleBoldWhite  = "\033[1;37m"
)

var rootCmd = &cobra.Command{
	Use:   "taskloop",
	Short: "Spec/task tracker that drives coding agents in a loop",
	Long: styleBoldCyan + `taskloop` + colorReset + ` v` + buildinfo.Current().Version + `

  Track specs and tasks in-repo, then let a coding agent work the
  pending queue one bounded iteration at a time. Failed iterations leave
  notes on the task; repeat offenders get escalated for human review.

` + colorBold + `Getting Started:` + colorReset + `
  taskloop init                          Initialize a project
  taskloop tasks add "Fix the watcher"   Queue up work
  taskloop run --agent claude            Run the loop in the foreground
  taskloop run --detach                  Run in the background
  taskloop attach <session>              Watch a background run

` + colorBold + `Built-in adapters:` + colorReset + `
  claude, gemini, codex (see 'taskloop adapters')`,

	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return cmd.Help()
		}
		if !store.Exists() {
			fmt.Println(styleBoldYellow + "No taskloop project found in this directory." + colorReset)
			fmt.Println("Run " + styleBoldWhite + "taskloop init" + colorReset + " to create one.")
			return nil
		}
		return runOverview(store)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.taskloop/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "taskloop starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		recordFailedInvocation(err, os.Args)
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}

// isAgentInvocation reports whether this process was started by an
// agent the loop spawned (marker env set on adapter children).
func isAgentInvocation() bool {
	return strings.TrimSpace(os.Getenv("TASKLOOP_AGENT")) != ""
}

// recordFailedInvocation keeps forensics for argument failures made by
// agents. Human typos stay out of the record dir.
func recordFailedInvocation(err error, argv []string) {
	if !isAgentInvocation() {
		return
	}
	if _, path, rerr := failedcmd.Default().Record(err, argv); rerr == nil && path != "" {
		debug.LogKV("cli", "argument failure recorded", "path", path)
	}
}

// runOverview prints the no-subcommand project summary: task counts by
// status, a few recent sessions, and next-step hints.
func runOverview(store *taskstore.Store) error {
	project, err := store.LoadProject()
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	printHeader("Project: " + project.Name)

	tasks, err := store.ListTasks("")
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	counts := make(map[string]int, len(taskstore.Statuses()))
	for _, tk := range tasks {
		counts[tk.Status]++
	}
	var parts []string
	for _, status := range taskstore.Statuses() {
		if counts[status] == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s%d %s%s", statusColor(status), counts[status], status, colorReset))
	}
	if len(parts) == 0 {
		fmt.Printf("  %sNo tasks yet. Add one with 'taskloop tasks add <title>'.%s\n", colorDim, colorReset)
	} else {
		fmt.Printf("  Tasks: %s\n", strings.Join(parts, colorDim+" / "+colorReset))
	}

	sessions, err := session.List(store.SessionsDir())
	if err == nil && len(sessions) > 0 {
		fmt.Println()
		fmt.Printf("  %sRecent sessions:%s\n", colorBold, colorReset)
		for i, s := range sessions {
			if i == 3 {
				break
			}
			when := session.FormatTimeAgo(s.StartedAt)
			if s.Active() {
				when = "running " + session.FormatElapsed(time.Since(s.StartedAt))
			}
			fmt.Printf("    %s  %s %s (%s)\n", shortID(s.ID), statusBadge(s.Status), s.AgentType, when)
		}
	}

	fmt.Println()
	pending := counts[taskstore.StatusPending] + counts[taskstore.StatusInProgress]
	review := counts[taskstore.StatusPendingReview]
	switch {
	case review > 0:
		fmt.Printf("  %d task(s) waiting for review: %staskloop tasks list --status pending_review%s\n",
			review, styleBoldWhite, colorReset)
	case pending > 0:
		fmt.Printf("  Run the queue: %staskloop run%s\n", styleBoldWhite, colorReset)
	default:
		fmt.Printf("  Queue is clear. %staskloop tasks add <title>%s to add work.\n", styleBoldWhite, colorReset)
	}
	return nil
}
