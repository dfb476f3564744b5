package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/taskstore"
)

var specsCmd = &cobra.Command{
	Use:     "specs",
	Aliases: []string{"spec"},
	Short:   "Manage spec records",
	Long: `Create, list, and show spec records. A spec carries a description and
acceptance criteria; tasks link to a spec via --spec, and the loop feeds
the linked spec to the agent as part of the iteration prompt.

Examples:
  taskloop specs add "Watcher rewrite" --criteria "no event lost" --criteria "debounce 50ms"
  taskloop specs list
  taskloop specs show watcher-rewrite`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var specsAddCmd = &cobra.Command{
	Use:     "add <title>",
	Aliases: []string{"create", "new"},
	Short:   "Add a spec record",
	Args:    cobra.ExactArgs(1),
	RunE:    runSpecsAdd,
}

var specsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List specs",
	RunE:    runSpecsList,
}

var specsShowCmd = &cobra.Command{
	Use:     "show <ref>",
	Aliases: []string{"get", "view"},
	Short:   "Show spec details",
	Args:    cobra.ExactArgs(1),
	RunE:    runSpecsShow,
}

func init() {
	specsAddCmd.Flags().String("ref", "", "Explicit ref (defaults to a slug of the title)")
	specsAddCmd.Flags().String("description", "", "Spec description")
	specsAddCmd.Flags().String("description-file", "", "Read description from file (use '-' for stdin)")
	specsAddCmd.Flags().StringArray("criteria", nil, "Acceptance criterion (repeatable)")

	specsCmd.AddCommand(specsAddCmd, specsListCmd, specsShowCmd)
	rootCmd.AddCommand(specsCmd)
}

func runSpecsAdd(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	ref, _ := cmd.Flags().GetString("ref")
	description, _ := cmd.Flags().GetString("description")
	descriptionFile, _ := cmd.Flags().GetString("description-file")
	criteria, _ := cmd.Flags().GetStringArray("criteria")

	if descriptionFile != "" {
		text, err := readTextArg(descriptionFile)
		if err != nil {
			return fmt.Errorf("reading description: %w", err)
		}
		description = text
	}

	spec := &taskstore.Spec{
		Ref:         strings.TrimSpace(ref),
		Title:       strings.TrimSpace(args[0]),
		Description: description,
		Criteria:    criteria,
	}
	if spec.Title == "" {
		return fmt.Errorf("spec title must not be empty")
	}
	if err := store.CreateSpec(spec); err != nil {
		return fmt.Errorf("creating spec: %w", err)
	}

	fmt.Printf("  %sCreated spec%s %s (%d criteria)\n", styleBoldGreen, colorReset, spec.Ref, len(spec.Criteria))
	fmt.Printf("  Link a task with %staskloop tasks add \"<title>\" --spec %s%s\n",
		styleBoldWhite, spec.Ref, colorReset)
	return nil
}

func runSpecsList(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	specs, err := store.ListSpecs()
	if err != nil {
		return fmt.Errorf("listing specs: %w", err)
	}

	printHeader("Specs")
	if len(specs) == 0 {
		fmt.Printf("  %sNo specs found.%s\n", colorDim, colorReset)
		return nil
	}

	var rows [][]string
	for _, sp := range specs {
		rows = append(rows, []string{
			sp.Ref,
			truncate(sp.Title, 48),
			fmt.Sprintf("%d", len(sp.Criteria)),
			sp.Created.Local().Format("2006-01-02"),
		})
	}
	printTable([]string{"Ref", "Title", "Criteria", "Created"}, rows)
	return nil
}

func runSpecsShow(cmd *cobra.Command, args []string) error {
	store, err := openStoreRequired()
	if err != nil {
		return err
	}

	spec, err := store.GetSpec(args[0])
	if err != nil {
		return err
	}

	printHeader("Spec " + spec.Ref)
	printField("Title", spec.Title)
	printField("Created", spec.Created.Local().Format("2006-01-02 15:04"))

	if spec.Description != "" {
		fmt.Println()
		fmt.Printf("  %sDescription:%s\n", colorBold, colorReset)
		for _, line := range strings.Split(spec.Description, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}

	if len(spec.Criteria) > 0 {
		fmt.Println()
		fmt.Printf("  %sAcceptance criteria:%s\n", colorBold, colorReset)
		for i, c := range spec.Criteria {
			fmt.Printf("    %d. %s\n", i+1, c)
		}
	}
	return nil
}
