package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// defaultSubagentTimeout bounds a supervised subagent run when the
// config does not override it.
const defaultSubagentTimeout = 10 * time.Minute

// AdapterConfig is a user-registered adapter launch description.
type AdapterConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
}

// PushoverConfig holds Pushover notification credentials.
type PushoverConfig struct {
	UserKey  string `json:"user_key,omitempty"`  // Pushover user/group key
	AppToken string `json:"app_token,omitempty"` // Pushover application API token
}

// GlobalConfig holds user-level preferences stored in
// ~/.taskloop/config.json.
type GlobalConfig struct {
	DefaultAgent           string                   `json:"default_agent,omitempty"`
	StrictAdapters         bool                     `json:"strict_adapters,omitempty"`
	Adapters               map[string]AdapterConfig `json:"adapters,omitempty"`
	SubagentTimeoutMinutes int                      `json:"subagent_timeout_minutes,omitempty"`
	NotifyOnEscalation     bool                     `json:"notify_on_escalation,omitempty"`
	Pushover               PushoverConfig           `json:"pushover,omitempty"`
	Debug                  bool                     `json:"debug,omitempty"`
}

// Dir returns the global taskloop config directory (~/.taskloop),
// creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".taskloop")
	os.MkdirAll(dir, 0755)
	return dir
}

// configPath returns the full path to ~/.taskloop/config.json.
func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.taskloop/config.json, returning an empty config if the
// file is absent.
func Load() (*GlobalConfig, error) {
	data, err := os.ReadFile(configPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &GlobalConfig{Adapters: make(map[string]AdapterConfig)}, nil
		}
		return nil, err
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Adapters == nil {
		cfg.Adapters = make(map[string]AdapterConfig)
	}
	return &cfg, nil
}

// Save writes the global config to ~/.taskloop/config.json.
func Save(cfg *GlobalConfig) error {
	if cfg == nil {
		cfg = &GlobalConfig{}
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}

// AgentOrDefault returns the configured default agent, falling back to
// claude.
func (c *GlobalConfig) AgentOrDefault() string {
	if c.DefaultAgent != "" {
		return c.DefaultAgent
	}
	return "claude"
}

// SubagentTimeout returns the deadline for one supervised subagent run.
func (c *GlobalConfig) SubagentTimeout() time.Duration {
	if c.SubagentTimeoutMinutes > 0 {
		return time.Duration(c.SubagentTimeoutMinutes) * time.Minute
	}
	return defaultSubagentTimeout
}

// SetAdapter registers or replaces a user-level adapter entry.
func (c *GlobalConfig) SetAdapter(id string, a AdapterConfig) {
	if c.Adapters == nil {
		c.Adapters = make(map[string]AdapterConfig)
	}
	c.Adapters[id] = a
}

// FindAdapter looks up a user-level adapter entry.
func (c *GlobalConfig) FindAdapter(id string) (AdapterConfig, bool) {
	a, ok := c.Adapters[id]
	return a, ok
}

// PushoverConfigured reports whether escalation notifications can be
// sent.
func (c *GlobalConfig) PushoverConfigured() bool {
	return c.Pushover.UserKey != "" && c.Pushover.AppToken != ""
}
