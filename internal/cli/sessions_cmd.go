package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/render"
	"github.com/taskloop/taskloop/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List loop sessions",
	Long: `List sessions recorded for this project. Every run (foreground or
detached) appends to a per-session event log under .taskloop/sessions/;
these commands read that log.

Use 'taskloop attach <id>' to watch a running session live.`,
	RunE: runSessionsList,
}

var sessionsEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Dump a session's event log",
	Long: `Print the session's append-only event log, one JSON object per line.
This is the ground truth every other view (stats, output, attach
replay) is derived from.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsEvents,
}

var sessionsOutputCmd = &cobra.Command{
	Use:     "output <session-id>",
	Aliases: []string{"out", "replay"},
	Short:   "Replay a session's agent output",
	Long: `Re-render the agent output recorded in a session's event log, the
same way the foreground run printed it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsOutput,
}

func init() {
	sessionsCmd.Flags().Bool("all", false, "Show all sessions (default hides old finished ones)")
	sessionsEventsCmd.Flags().String("type", "", "Only events of this type")
	sessionsCmd.AddCommand(sessionsEventsCmd, sessionsOutputCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	showAll, _ := cmd.Flags().GetBool("all")

	sessions, err := session.List(store.SessionsDir())
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	if !showAll {
		// Active sessions plus anything from the last day.
		cutoff := time.Now().Add(-24 * time.Hour)
		var filtered []session.Meta
		for _, s := range sessions {
			switch {
			case s.Active():
				filtered = append(filtered, s)
			case !s.EndedAt.IsZero() && s.EndedAt.After(cutoff):
				filtered = append(filtered, s)
			case s.EndedAt.IsZero() && s.StartedAt.After(cutoff):
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	printHeader("Sessions")
	if len(sessions) == 0 {
		fmt.Printf("  %sNo sessions.%s Start one with %staskloop run%s\n",
			colorDim, colorReset, styleBoldWhite, colorReset)
		return nil
	}

	var rows [][]string
	for _, s := range sessions {
		elapsed := ""
		switch {
		case s.Active():
			elapsed = session.FormatElapsed(time.Since(s.StartedAt))
		case !s.EndedAt.IsZero():
			elapsed = session.FormatTimeAgo(s.EndedAt)
		default:
			elapsed = session.FormatTimeAgo(s.StartedAt)
		}
		task := s.TaskID
		if task == "" {
			task = "-"
		}
		rows = append(rows, []string{
			shortID(s.ID),
			s.AgentType,
			task,
			statusBadge(s.Status),
			elapsed,
		})
	}
	printTable([]string{"ID", "Agent", "Task", "Status", "Time"}, rows)

	fmt.Println()
	fmt.Printf("  %sAttach with 'taskloop attach <id>', replay with 'taskloop sessions output <id>'.%s\n",
		colorDim, colorReset)
	return nil
}

func runSessionsEvents(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	id, err := resolveSessionID(store.SessionsDir(), args[0])
	if err != nil {
		return err
	}
	typeFilter, _ := cmd.Flags().GetString("type")

	events, err := session.ReadEvents(store.SessionsDir(), id)
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if typeFilter != "" && ev.Type != typeFilter {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func runSessionsOutput(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	id, err := resolveSessionID(store.SessionsDir(), args[0])
	if err != nil {
		return err
	}

	events, err := session.ReadEvents(store.SessionsDir(), id)
	if err != nil {
		return fmt.Errorf("reading events: %w", err)
	}

	r := render.New(os.Stdout)
	for _, ev := range events {
		switch ev.Type {
		case session.TypeIterationStarted:
			var d struct {
				Iteration int    `json:"iteration"`
				TaskRef   string `json:"task_ref"`
				TaskTitle string `json:"task_title"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			r.Finish()
			header := fmt.Sprintf("iteration %d", d.Iteration)
			if d.TaskRef != "" {
				header += " @" + d.TaskRef
			}
			if d.TaskTitle != "" {
				header += ": " + d.TaskTitle
			}
			fmt.Printf("\n%s=== %s ===%s\n", styleBoldCyan, header, colorReset)
		case session.TypeAgentUpdate:
			u, err := agent.ParseUpdateBody(ev.Data)
			if err != nil {
				continue
			}
			r.Handle(u)
		case session.TypePromptCompleted:
			var d struct {
				StopReason string `json:"stop_reason"`
				DurationMS int64  `json:"duration_ms"`
				Error      string `json:"error"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			r.Finish()
			elapsed := (time.Duration(d.DurationMS) * time.Millisecond).Round(time.Second)
			if d.Error != "" {
				fmt.Printf("%sprompt error after %s: %s%s\n", colorRed, elapsed, d.Error, colorReset)
			} else {
				fmt.Printf("%sprompt finished (%s, %s)%s\n", colorDim, d.StopReason, elapsed, colorReset)
			}
		case session.TypeFailureRecorded:
			var d struct {
				TaskRef string `json:"task_ref"`
				Count   int    `json:"count"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			fmt.Printf("%sfailure #%d recorded on @%s%s\n", styleBoldRed, d.Count, d.TaskRef, colorReset)
		case session.TypeTaskEscalated:
			var d struct {
				TaskRef string `json:"task_ref"`
				Count   int    `json:"count"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			fmt.Printf("%s@%s escalated to review after %d failures%s\n", styleBoldYellow, d.TaskRef, d.Count, colorReset)
		case session.TypeSessionEnded:
			var d struct {
				Reason     string `json:"reason"`
				Iterations int    `json:"iterations"`
				Error      string `json:"error"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			r.Finish()
			fmt.Println()
			if d.Error != "" {
				fmt.Printf("%sRun ended (%s) after %d iteration(s): %s%s\n",
					styleBoldRed, d.Reason, d.Iterations, d.Error, colorReset)
			} else {
				fmt.Printf("%sRun ended (%s) after %d iteration(s)%s\n",
					styleBoldGreen, d.Reason, d.Iterations, colorReset)
			}
		}
	}
	r.Finish()
	return nil
}
