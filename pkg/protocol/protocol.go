// Package protocol defines the interface contract between taskloop and AI agents.
//
// Agents running under taskloop interact with the project by calling the
// taskloop CLI. This package documents the expected commands and their formats
// so that agents can be instructed (via system prompts) on how to use the
// task tracker.
//
// Example agent system prompt snippet:
//
//	You have access to the `taskloop` CLI for task tracking:
//	  taskloop                              - Show project status
//	  taskloop tasks list                   - List tasks
//	  taskloop tasks show <ref>             - Show one task with its notes
//	  taskloop tasks status <ref> <status>  - Move a task
//	  taskloop tasks note <ref> --text ...  - Record progress on a task
//	  taskloop specs show <ref>             - Read acceptance criteria
package protocol

// AgentInstructions returns a system prompt fragment that can be injected into
// an agent's context to teach it how to use the taskloop CLI for task tracking.
func AgentInstructions(projectName string) string {
	return `You are working on the project "` + projectName + `" tracked by taskloop.

## Task Tracking CLI

You have access to the ` + "`taskloop`" + ` CLI for managing task state. Use it to:

### Status & Orientation
- ` + "`taskloop`" + ` — Overview of the project (task counts, recent sessions)
- ` + "`taskloop tasks list`" + ` — List open tasks
- ` + "`taskloop tasks list --status all`" + ` — List every task including finished ones
- ` + "`taskloop tasks show <ref>`" + ` — Read one task with its full note history
- ` + "`taskloop specs show <ref>`" + ` — Read a spec and its acceptance criteria

### Recording Work (do this as you go)
- ` + "`taskloop tasks status <ref> in_progress`" + ` — Claim the task you are working on
- ` + "`taskloop tasks note <ref> --text \"what you did / found\"`" + ` — Record progress; notes are the durable history other sessions read
- ` + "`taskloop tasks status <ref> completed`" + ` — Mark the task done when its criteria are met
- ` + "`taskloop tasks status <ref> blocked`" + ` — Park a task you cannot finish, with a note explaining why

### Creating Work
- ` + "`taskloop tasks add --title \"...\" --description \"...\"`" + ` — File follow-up work you discover
- ` + "`taskloop specs add --title \"...\" --criteria \"...\" --criteria \"...\"`" + ` — Capture acceptance criteria

## Session Protocol

1. **Orient**: Run ` + "`taskloop`" + ` and ` + "`taskloop tasks list`" + ` to see where things stand
2. **Claim**: Move your task to in_progress
3. **Work**: Build, test, verify against the spec's criteria
4. **Record**: Add a note describing what you did and what remains
5. **Close**: Move the task to completed (or blocked, with a note)
`
}

// PromptTemplates defines common prompt patterns for different run modes.
var PromptTemplates = map[string]string{
	"orient":   "Read the task list, pick the highest-impact open task, and start working on it immediately.",
	"fix":      "Check for failing tests or build errors and fix them.",
	"continue": "Continue working on the current in_progress task.",
	"review":   "Review the completed work against its acceptance criteria. Do not start new work.",
}
