package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/taskstore"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"task"},
	Short:   "Manage the task queue",
	Long: `Create, list, show, and update tasks tracked by taskloop.

Tasks have a title, optional description, a status (pending, in_progress,
pending_review, blocked, completed, cancelled), an optional spec link and
append-only notes. The loop picks pending tasks, works them with an agent,
and records failure notes on the task itself.

Examples:
  taskloop tasks add "Fix watcher debounce"
  taskloop tasks list --status pending
  taskloop tasks show fix-watcher-debounce
  taskloop tasks status fix-watcher-debounce completed
  taskloop tasks note fix-watcher-debounce "the race is in poll.go"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var tasksAddCmd = &cobra.Command{
	Use:     "add <title>",
	Aliases: []string{"create", "new"},
	Short:   "Add a task to the queue",
	Args:    cobra.ExactArgs(1),
	RunE:    runTasksAdd,
}

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	RunE:    runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:     "show <ref>",
	Aliases: []string{"get", "view"},
	Short:   "Show task details",
	Args:    cobra.ExactArgs(1),
	RunE:    runTasksShow,
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <ref> <status>",
	Short: "Set a task's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksStatus,
}

var tasksNoteCmd = &cobra.Command{
	Use:   "note <ref> <text>",
	Short: "Append a note to a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksNote,
}

func init() {
	tasksAddCmd.Flags().String("ref", "", "Explicit ref (defaults to a slug of the title)")
	tasksAddCmd.Flags().String("description", "", "Task description")
	tasksAddCmd.Flags().String("description-file", "", "Read description from file (use '-' for stdin)")
	tasksAddCmd.Flags().String("spec", "", "Spec ref this task implements")

	tasksListCmd.Flags().String("status", "", "Filter by status ("+strings.Join(taskstore.Statuses(), ", ")+")")

	tasksNoteCmd.Flags().String("author", "", "Note author (defaults to 'human', or 'agent' in agent context)")

	tasksCmd.AddCommand(tasksAddCmd, tasksListCmd, tasksShowCmd, tasksStatusCmd, tasksNoteCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	ref, _ := cmd.Flags().GetString("ref")
	description, _ := cmd.Flags().GetString("description")
	descriptionFile, _ := cmd.Flags().GetString("description-file")
	specRef, _ := cmd.Flags().GetString("spec")

	if descriptionFile != "" {
		text, err := readTextArg(descriptionFile)
		if err != nil {
			return fmt.Errorf("reading description: %w", err)
		}
		description = text
	}

	if specRef != "" {
		if _, err := store.GetSpec(specRef); err != nil {
			return fmt.Errorf("checking spec %q: %w", specRef, err)
		}
	}

	task := &taskstore.Task{
		Ref:         strings.TrimSpace(ref),
		Title:       strings.TrimSpace(args[0]),
		Description: description,
		SpecRef:     specRef,
	}
	if task.Title == "" {
		return fmt.Errorf("task title must not be empty")
	}
	if err := store.CreateTask(task); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	fmt.Printf("  %sCreated task%s @%s %s\n", styleBoldGreen, colorReset, task.Ref, statusBadge(task.Status))
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	statusFilter, _ := cmd.Flags().GetString("status")
	if statusFilter != "" && !taskstore.ValidStatus(statusFilter) {
		return fmt.Errorf("unknown task status %q (valid: %s)", statusFilter, strings.Join(taskstore.Statuses(), ", "))
	}

	tasks, err := store.ListTasks(statusFilter)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}

	printHeader("Tasks")
	if len(tasks) == 0 {
		if statusFilter != "" {
			fmt.Printf("  %sNo tasks with status %q.%s\n", colorDim, statusFilter, colorReset)
		} else {
			fmt.Printf("  %sNo tasks found.%s\n", colorDim, colorReset)
		}
		return nil
	}

	var rows [][]string
	for _, tk := range tasks {
		spec := tk.SpecRef
		if spec == "" {
			spec = "-"
		}
		rows = append(rows, []string{
			"@" + tk.Ref,
			truncate(tk.Title, 48),
			statusBadge(tk.Status),
			spec,
			fmt.Sprintf("%d", len(tk.Notes)),
		})
	}
	printTable([]string{"Ref", "Title", "Status", "Spec", "Notes"}, rows)
	return nil
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	task, err := store.GetTask(args[0])
	if err != nil {
		return err
	}

	printHeader("Task @" + task.Ref)
	printField("Title", task.Title)
	printField("Status", statusBadge(task.Status))
	if task.SpecRef != "" {
		printField("Spec", task.SpecRef)
	}
	printField("Created", task.Created.Local().Format("2006-01-02 15:04"))
	printField("Updated", task.Updated.Local().Format("2006-01-02 15:04"))

	if task.Description != "" {
		fmt.Println()
		fmt.Printf("  %sDescription:%s\n", colorBold, colorReset)
		for _, line := range strings.Split(task.Description, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}

	if len(task.Notes) > 0 {
		fmt.Println()
		fmt.Printf("  %sNotes:%s\n", colorBold, colorReset)
		for _, note := range task.Notes {
			author := note.Author
			if author == "" {
				author = "unknown"
			}
			fmt.Printf("    %s[%s %s]%s %s\n",
				colorDim, note.CreatedAt.Local().Format("01-02 15:04"), author, colorReset,
				firstLine(note.Text))
			for _, line := range strings.Split(note.Text, "\n")[1:] {
				fmt.Printf("      %s\n", line)
			}
		}
	}
	return nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	ref, status := args[0], args[1]
	if err := store.SetStatus(ref, status); err != nil {
		return err
	}
	fmt.Printf("  @%s -> %s\n", ref, statusBadge(status))
	return nil
}

func runTasksNote(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	author, _ := cmd.Flags().GetString("author")
	if author == "" {
		author = "human"
		if isAgentInvocation() {
			author = "agent"
		}
	}

	ref, text := args[0], strings.TrimSpace(args[1])
	if text == "" {
		return fmt.Errorf("note text must not be empty")
	}
	if err := store.AddNote(ref, text, author); err != nil {
		return err
	}
	fmt.Printf("  Noted on @%s (%s)\n", ref, author)
	return nil
}

// readTextArg reads a file argument, with "-" meaning stdin.
func readTextArg(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
