package cli

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats [session-id]",
	Short: "Show run metrics derived from session logs",
	Long: `Fold metrics from the session event logs under .taskloop/sessions/.
With no argument, aggregates every session in the project; with a
session id, reports that session alone.

Nothing is cached — the event log is the only source, so the numbers
always match what 'taskloop sessions events' shows.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		id, err := resolveSessionID(store.SessionsDir(), args[0])
		if err != nil {
			return err
		}
		m, err := stats.FromSession(store.SessionsDir(), id)
		if err != nil {
			return fmt.Errorf("reading session %s: %w", shortID(id), err)
		}
		printSessionStats(m)
		return nil
	}

	p, perSession, err := stats.Aggregate(store.SessionsDir())
	if err != nil {
		return fmt.Errorf("aggregating sessions: %w", err)
	}

	printHeader("Project stats")
	if p.Sessions == 0 {
		fmt.Printf("  %sNo sessions yet.%s Start one with %staskloop run%s\n",
			colorDim, colorReset, styleBoldWhite, colorReset)
		return nil
	}

	printField("Sessions", fmt.Sprintf("%d (%d active, %d completed, %d abandoned)",
		p.Sessions, p.Active, p.Completed, p.Abandoned))
	printField("Iterations", fmt.Sprintf("%d (%d failed)", p.Iterations, p.FailedIters))
	printField("Agent time", session.FormatElapsed(p.AgentTime))
	printField("Failures", strconv.Itoa(p.Failures))
	printField("Escalations", strconv.Itoa(p.Escalations))
	if len(p.ByAgent) > 0 {
		printField("Agents", countMapLine(p.ByAgent))
	}
	if len(p.ToolCalls) > 0 {
		printField("Tool calls", countMapLine(p.ToolCalls))
	}

	fmt.Println()
	var rows [][]string
	for _, m := range perSession {
		task := m.TaskRef
		if task == "" {
			task = "-"
		}
		rows = append(rows, []string{
			shortID(m.SessionID),
			m.AgentType,
			task,
			strconv.Itoa(m.Iterations),
			session.FormatElapsed(m.AgentTime),
			statusBadge(m.Status),
		})
	}
	printTable([]string{"ID", "Agent", "Task", "Iters", "Agent time", "Status"}, rows)
	return nil
}

func printSessionStats(m *stats.SessionMetrics) {
	printHeader("Session " + shortID(m.SessionID))
	printField("Agent", m.AgentType)
	if m.TaskRef != "" {
		printField("Task", "@"+m.TaskRef)
	}
	printField("Status", statusBadge(m.Status))
	printField("Started", m.StartedAt.Local().Format(time.DateTime))
	if m.WallTime > 0 {
		printField("Wall time", session.FormatElapsed(m.WallTime))
	}
	printField("Agent time", session.FormatElapsed(m.AgentTime))
	printField("Iterations", fmt.Sprintf("%d (%d failed)", m.Iterations, m.FailedIters))
	printField("Prompts", fmt.Sprintf("%d (%d chars)", m.PromptsSent, m.PromptChars))
	printField("Updates", strconv.Itoa(m.Updates))
	if len(m.ToolCalls) > 0 {
		printField("Tool calls", countMapLine(m.ToolCalls))
	}
	if m.Failures > 0 {
		printField("Failures", fmt.Sprintf("%s%d%s", styleBoldRed, m.Failures, colorReset))
	}
	if m.Escalations > 0 {
		printField("Escalations", fmt.Sprintf("%s%d%s", styleBoldYellow, m.Escalations, colorReset))
	}
	if m.Reason != "" {
		end := m.Reason
		if m.Err != "" {
			end += ": " + m.Err
		}
		printField("Ended", end)
	}
}

// countMapLine renders "key:N" pairs sorted by count, then name.
func countMapLine(counts map[string]int) string {
	type kv struct {
		k string
		n int
	}
	pairs := make([]kv, 0, len(counts))
	for k, n := range counts {
		pairs = append(pairs, kv{k, n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].n != pairs[j].n {
			return pairs[i].n > pairs[j].n
		}
		return pairs[i].k < pairs[j].k
	})
	out := ""
	for i, p := range pairs {
		if i > 0 {
			out += "  "
		}
		out += fmt.Sprintf("%s:%d", p.k, p.n)
	}
	return out
}
