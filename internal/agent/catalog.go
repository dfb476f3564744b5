package agent

import "strings"

// DefaultAdapter is used when neither the caller nor the config names
// an adapter.
const DefaultAdapter = "claude"

// Descriptor tells the spawner how to launch an adapter process. The
// process must speak newline-delimited JSON-RPC on its stdio.
type Descriptor struct {
	Command     string
	Args        []string
	Env         map[string]string
	Shell       bool // run through "sh -c" with args joined
	Description string
}

// builtinDescriptors returns the adapters this tool knows how to
// launch out of the box.
func builtinDescriptors() map[string]Descriptor {
	return map[string]Descriptor{
		"claude": {
			Command:     "claude-code-acp",
			Description: "Claude Code adapter",
		},
		"gemini": {
			Command:     "gemini",
			Args:        []string{"--experimental-acp"},
			Description: "Gemini CLI (native protocol support)",
		},
		"codex": {
			Command:     "codex-acp",
			Description: "Codex adapter",
		},
	}
}

// AdHoc synthesizes a descriptor that treats id as a launchable
// package name. Any protocol-compatible package works this way without
// pre-registration.
func AdHoc(id string) Descriptor {
	return Descriptor{
		Command:     "npx",
		Args:        []string{"--yes", id},
		Description: "ad-hoc package adapter",
	}
}

// commandLine resolves the descriptor into the binary and argument
// list handed to exec.
func (d Descriptor) commandLine() (string, []string) {
	if d.Shell {
		parts := append([]string{d.Command}, d.Args...)
		return "sh", []string{"-c", strings.Join(parts, " ")}
	}
	return d.Command, d.Args
}
