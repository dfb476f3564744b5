package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/watchtui"
)

var attachCmd = &cobra.Command{
	Use:     "attach [session-id]",
	Aliases: []string{"watch"},
	Short:   "Watch a detached run",
	Long: `Attach the watch TUI to a running background session. The daemon
replays everything that happened so far, then streams live events.

With no argument, attaches to the only running session (if exactly one
exists). Session ids accept any unambiguous prefix.

Press d to detach (the run keeps going), c to cancel the run, q to
leave.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("attach requires an interactive terminal (use 'taskloop sessions events' for raw output)")
	}

	store, err := openStoreRequired()
	if err != nil {
		return err
	}
	project, err := store.LoadProject()
	if err != nil {
		return fmt.Errorf("loading project: %w", err)
	}

	var id string
	if len(args) == 0 {
		id, err = onlyActiveSession(store.SessionsDir())
	} else {
		id, err = resolveSessionID(store.SessionsDir(), args[0])
	}
	if err != nil {
		return err
	}

	meta, err := session.Load(store.SessionsDir(), id)
	if err != nil {
		return err
	}
	if !meta.Active() {
		return fmt.Errorf("session %s is not running (status: %s)", shortID(meta.ID), meta.Status)
	}

	client, err := session.Connect(session.SocketPath(meta.ID))
	if err != nil {
		return fmt.Errorf("connecting to session %s (daemon gone?): %w", shortID(meta.ID), err)
	}
	defer client.Close()

	fmt.Printf("  %sAttaching to session %s (%s)...%s\n", colorDim, shortID(meta.ID), meta.AgentType, colorReset)

	eventCh := make(chan any, 256)
	go func() {
		if err := client.StreamEvents(eventCh); err != nil {
			debug.LogKV("cli.attach", "stream ended", "session", meta.ID, "error", err)
		}
	}()

	res, err := watchtui.Run(watchtui.Config{
		ProjectName: project.Name,
		SessionID:   shortID(meta.ID),
		AgentType:   meta.AgentType,
		TaskRef:     meta.TaskID,
		Attached:    true,
		OnCancel: func() {
			if cerr := client.Cancel(); cerr != nil {
				debug.LogKV("cli.attach", "cancel send failed", "session", meta.ID, "error", cerr)
			}
		},
	}, eventCh)
	if err != nil {
		return err
	}

	if res.Detached {
		fmt.Printf("\n  %sDetached.%s Session %s keeps running.\n", styleBoldYellow, colorReset, shortID(meta.ID))
		fmt.Printf("  Re-attach with %staskloop attach %s%s\n\n", styleBoldWhite, shortID(meta.ID), colorReset)
		return nil
	}

	printRunSummary(meta.ID, res.Iterations, res.Reason, res.Err)
	if res.Reason == "error" {
		return res.Err
	}
	return nil
}

// onlyActiveSession returns the single running session, or an error
// telling the user to pick one.
func onlyActiveSession(dir string) (string, error) {
	sessions, err := session.List(dir)
	if err != nil {
		return "", fmt.Errorf("listing sessions: %w", err)
	}
	var active []string
	for _, s := range sessions {
		if s.Active() {
			active = append(active, s.ID)
		}
	}
	switch len(active) {
	case 0:
		return "", fmt.Errorf("no running sessions (start one with 'taskloop run --detach')")
	case 1:
		return active[0], nil
	default:
		return "", fmt.Errorf("%d sessions are running; pick one from 'taskloop sessions'", len(active))
	}
}
