package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/render"
	"github.com/taskloop/taskloop/internal/subagent"
)

var subagentCmd = &cobra.Command{
	Use:   "subagent <objective>",
	Short: "Run one supervised subagent for a bounded objective",
	Long: `Spawn a dedicated agent for exactly one bounded objective ("get this
PR merged, do not start new work"), race it against a timeout, and
tear the process down whichever way it ends.

With --task, the task's detail and its linked spec are included as
context. --read-only blocks write-class tool requests, for review
style objectives.

Examples:
  taskloop subagent "Review the open PR and merge it if CI is green" --task fix-watcher
  taskloop subagent "Summarize what changed on this branch" --read-only`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubagent,
}

func init() {
	subagentCmd.Flags().String("task", "", "Task ref providing context for the objective")
	subagentCmd.Flags().String("agent", "", "Adapter to spawn (default: global config)")
	subagentCmd.Flags().String("branch", "", "Branch name passed to the agent as context")
	subagentCmd.Flags().Duration("timeout", 0, "Hard deadline for the run (default: config, 10m)")
	subagentCmd.Flags().Bool("read-only", false, "Reject write-class tool requests")
	rootCmd.AddCommand(subagentCmd)
}

func runSubagent(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	globalCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}

	objective := strings.TrimSpace(strings.Join(args, " "))
	taskRef, _ := cmd.Flags().GetString("task")
	agentID, _ := cmd.Flags().GetString("agent")
	branch, _ := cmd.Flags().GetString("branch")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	readOnly, _ := cmd.Flags().GetBool("read-only")

	if timeout <= 0 {
		timeout = globalCfg.SubagentTimeout()
	}

	sc := subagent.Context{
		TaskRef:   taskRef,
		Branch:    branch,
		Objective: objective,
	}
	if taskRef != "" {
		task, err := store.GetTask(taskRef)
		if err != nil {
			return err
		}
		sc.TaskDetail, _ = json.Marshal(task)
		if task.SpecRef != "" {
			if spec, err := store.GetSpec(task.SpecRef); err == nil {
				sc.Spec, _ = json.Marshal(spec)
			}
		}
	}

	dir, err := projectDir()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Printf("\n%sStopping subagent...%s\n", styleBoldYellow, colorReset)
		cancel()
	}()

	registry := agent.NewRegistry(globalCfg)
	resolvedID, _, err := registry.Resolve(agentID)
	if err != nil {
		return err
	}
	fmt.Printf("\n  %sRunning subagent%s (agent=%s, timeout=%s", styleBoldCyan, colorReset, resolvedID, timeout)
	if readOnly {
		fmt.Print(", read-only")
	}
	fmt.Print(")\n\n")

	r := render.New(os.Stdout)
	start := time.Now()
	res := subagent.Run(ctx, registry, sc, subagent.Config{
		Adapter: agentID,
		WorkDir: dir,
		Timeout: timeout,
	}, subagent.Options{
		OnUpdate: r.Handle,
		ReadOnly: readOnly,
	})
	r.Finish()

	elapsed := time.Since(start).Round(time.Second)
	fmt.Println()
	switch {
	case res.Success:
		fmt.Printf("  %sSubagent finished in %s%s\n", styleBoldGreen, elapsed, colorReset)
	case res.TimedOut:
		fmt.Printf("  %sSubagent hit the %s timeout%s\n", styleBoldYellow, timeout, colorReset)
	default:
		fmt.Printf("  %sSubagent failed after %s: %v%s\n", styleBoldRed, elapsed, res.Err, colorReset)
	}
	for _, blocked := range res.BlockedWrites {
		fmt.Printf("  %sblocked write: %s%s\n", colorDim, blocked, colorReset)
	}

	if res.TimedOut {
		return fmt.Errorf("subagent timed out after %s", timeout)
	}
	return res.Err
}
