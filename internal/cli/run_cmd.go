package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/loop"
	"github.com/taskloop/taskloop/internal/looprun"
	"github.com/taskloop/taskloop/internal/render"
	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/watchtui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent loop over the task queue",
	Long: `Run a coding agent against the pending task queue, one bounded
iteration at a time. Each iteration spawns a fresh adapter process,
prompts it with one task, and tears it down. Failed iterations leave
notes on the task; tasks that keep failing get escalated to
pending_review and the loop moves on.

Foreground runs show a live TUI (plain streaming without a terminal or
with --plain). With --detach the loop runs in a background daemon;
watch it with 'taskloop attach'.

Examples:
  taskloop run
  taskloop run --agent gemini --max-iterations 5
  taskloop run --task fix-watcher-debounce
  taskloop run --detach`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().String("agent", "", "Adapter to run (default: project, then global config)")
	runCmd.Flags().Int("max-iterations", 0, "Iteration cap for this run (0 = no cap)")
	runCmd.Flags().String("task", "", "Pin the run to one task ref")
	runCmd.Flags().String("branch", "", "Branch name passed to the agent as context")
	runCmd.Flags().BoolP("detach", "d", false, "Run in a background daemon (use 'taskloop attach' to watch)")
	runCmd.Flags().Bool("plain", false, "Stream plain output instead of the TUI")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	project, err := store.LoadProject()
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}
	globalCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}

	agentID, _ := cmd.Flags().GetString("agent")
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")
	taskRef, _ := cmd.Flags().GetString("task")
	branch, _ := cmd.Flags().GetString("branch")
	detach, _ := cmd.Flags().GetBool("detach")
	plain, _ := cmd.Flags().GetBool("plain")

	if agentID == "" {
		agentID = project.DefaultAgent
	}
	registry := agent.NewRegistry(globalCfg)
	resolvedID, _, err := registry.Resolve(agentID)
	if err != nil {
		return err
	}

	if taskRef != "" {
		if _, err := store.GetTask(taskRef); err != nil {
			return err
		}
	}

	dir, err := projectDir()
	if err != nil {
		return err
	}

	if detach {
		return startDetached(store.SessionsDir(), dir, project.Name, resolvedID, taskRef, branch, maxIterations)
	}

	h := looprun.Start(looprun.RunConfig{
		Store:         store,
		Registry:      registry,
		Global:        globalCfg,
		Project:       project,
		SessionsDir:   store.SessionsDir(),
		WorkDir:       dir,
		Branch:        branch,
		AgentID:       agentID,
		TaskRef:       taskRef,
		MaxIterations: maxIterations,
	})

	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		return streamPlain(h, resolvedID)
	}

	res, err := watchtui.Run(watchtui.Config{
		ProjectName:   project.Name,
		AgentType:     resolvedID,
		TaskRef:       taskRef,
		MaxIterations: maxIterations,
		OnCancel:      h.Cancel,
	}, h.Events)
	if err != nil {
		// The TUI died; stop the loop and let it unwind.
		h.Cancel()
		go func() {
			for range h.Events {
			}
		}()
		h.Wait()
		return err
	}

	sum := h.Wait()
	printRunSummary(sum.SessionID, res.Iterations, res.Reason, sum.Err)
	return runExitErr(sum)
}

// startDetached creates the session up front so its id can be printed,
// persists the run parameters for the daemon, and hands off.
func startDetached(sessionsDir, dir, projectName, agentID, taskRef, branch string, maxIterations int) error {
	meta, err := session.Create(sessionsDir, session.CreateInput{
		TaskID:    taskRef,
		AgentType: agentID,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	dcfg := &session.DaemonConfig{
		ProjectDir:    dir,
		WorkDir:       dir,
		Branch:        branch,
		AgentID:       agentID,
		TaskRef:       taskRef,
		MaxIterations: maxIterations,
	}
	if err := session.SaveDaemonConfig(sessionsDir, meta.ID, dcfg); err != nil {
		return fmt.Errorf("saving daemon config: %w", err)
	}

	if err := session.StartDaemon(meta.ID); err != nil {
		debug.LogKV("cli.run", "daemon start failed", "session", meta.ID, "error", err)
		return fmt.Errorf("starting session daemon: %w", err)
	}
	debug.LogKV("cli.run", "daemon started", "session", meta.ID, "agent", agentID)

	fmt.Printf("\n  %sSession %s started%s (agent=%s, project=%s)\n",
		styleBoldGreen, shortID(meta.ID), colorReset, agentID, projectName)
	fmt.Printf("  Watch it with %staskloop attach %s%s\n", styleBoldWhite, shortID(meta.ID), colorReset)
	fmt.Printf("  List sessions with %staskloop sessions%s\n\n", styleBoldWhite, colorReset)
	return nil
}

// streamPlain drains the run's events onto stdout without a TUI.
// Ctrl+C cancels the run; the loop finishes the current iteration's
// bookkeeping before exiting.
func streamPlain(h *looprun.Handle, agentID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Printf("\n%sStopping after the current iteration...%s\n", styleBoldYellow, colorReset)
		h.Cancel()
	}()

	fmt.Printf("\n  %sRunning %s%s\n", styleBoldCyan, agentID, colorReset)

	r := render.New(os.Stdout)
	for ev := range h.Events {
		switch m := ev.(type) {
		case events.IterationStartedMsg:
			r.Finish()
			header := fmt.Sprintf("iteration %d", m.Iteration)
			if m.MaxIterations > 0 {
				header += fmt.Sprintf("/%d", m.MaxIterations)
			}
			if m.TaskRef != "" {
				header += " @" + m.TaskRef
			}
			if m.TaskTitle != "" {
				header += ": " + m.TaskTitle
			}
			fmt.Printf("\n%s=== %s ===%s %s[%s]%s\n", styleBoldCyan, header, colorReset,
				colorDim, m.TraceID, colorReset)
		case events.AgentUpdateMsg:
			r.Handle(m.Update)
		case events.PromptDoneMsg:
			r.Finish()
			elapsed := m.Elapsed.Round(time.Second)
			if m.Err != nil {
				fmt.Printf("%siteration %d error after %s: %v%s\n", colorRed, m.Iteration, elapsed, m.Err, colorReset)
			} else {
				fmt.Printf("%siteration %d finished (%s, %s)%s\n", colorDim, m.Iteration, m.StopReason, elapsed, colorReset)
			}
		case events.FailureRecordedMsg:
			fmt.Printf("%sfailure #%d recorded on @%s%s\n", styleBoldRed, m.Count, m.TaskRef, colorReset)
		case events.TaskEscalatedMsg:
			fmt.Printf("%s@%s escalated to review after %d failures%s\n", styleBoldYellow, m.TaskRef, m.Count, colorReset)
		case events.LoopDoneMsg:
			r.Finish()
		}
	}

	sum := h.Wait()
	printRunSummary(sum.SessionID, sum.Iterations, sum.Reason, sum.Err)
	return runExitErr(sum)
}

// runExitErr maps a summary to the command's exit error. A cancel the
// user asked for is a clean exit.
func runExitErr(sum loop.Summary) error {
	if sum.Reason == loop.ReasonCancelled {
		return nil
	}
	return sum.Err
}

func printRunSummary(sessionID string, iterations int, reason string, err error) {
	fmt.Println()
	switch {
	case reason == loop.ReasonCancelled:
		fmt.Printf("  %sRun cancelled after %d iteration(s)%s\n",
			styleBoldYellow, iterations, colorReset)
	case err != nil:
		fmt.Printf("  %sRun ended (%s) after %d iteration(s): %v%s\n",
			styleBoldRed, reason, iterations, err, colorReset)
	default:
		fmt.Printf("  %sRun ended (%s) after %d iteration(s)%s\n",
			styleBoldGreen, reason, iterations, colorReset)
	}
	if sessionID != "" {
		fmt.Printf("  Replay with %staskloop sessions output %s%s\n",
			styleBoldWhite, shortID(sessionID), colorReset)
	}
}
