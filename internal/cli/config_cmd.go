package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskloop/taskloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change global settings",
	Long: `Show the global configuration stored at ~/.taskloop/config.json.
Subcommands change individual settings; everything else is edited in
the file directly.`,
	RunE: runConfigShow,
}

var configPushoverCmd = &cobra.Command{
	Use:   "pushover <user-key> <app-token>",
	Short: "Set Pushover notification credentials",
	Long: `Store the Pushover user key and application token used for
escalation notifications. Enable sending with "notify_on_escalation":
true in the config file.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigPushover,
}

func init() {
	configCmd.AddCommand(configPushoverCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	printHeader("Global config")
	printField("Path", config.Dir())
	printField("Default agent", cfg.AgentOrDefault())
	printField("Strict adapters", fmt.Sprintf("%t", cfg.StrictAdapters))
	printField("Subagent timeout", cfg.SubagentTimeout().String())
	printField("Notify on escalation", fmt.Sprintf("%t", cfg.NotifyOnEscalation))
	if cfg.PushoverConfigured() {
		printField("Pushover", "configured (user key "+maskKey(cfg.Pushover.UserKey)+")")
	} else {
		printField("Pushover", "not configured")
	}
	if len(cfg.Adapters) > 0 {
		var ids []string
		for id := range cfg.Adapters {
			ids = append(ids, id)
		}
		printField("User adapters", strings.Join(ids, ", "))
	}
	return nil
}

func runConfigPushover(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Pushover = config.PushoverConfig{UserKey: args[0], AppToken: args[1]}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	fmt.Printf("  %sPushover credentials saved.%s Set \"notify_on_escalation\": true to enable sending.\n",
		styleBoldGreen, colorReset)
	return nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
