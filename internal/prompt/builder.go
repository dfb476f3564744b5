// Package prompt builds the prompts taskloop sends to agent sessions.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskloop/taskloop/internal/taskstore"
	"github.com/taskloop/taskloop/pkg/protocol"
)

const maxRecentNotes = 5

// BuildOpts configures loop iteration prompt generation.
type BuildOpts struct {
	Project *taskstore.ProjectConfig

	// Task is the task selected for this iteration. Nil asks the agent
	// to orient and pick one itself.
	Task *taskstore.Task

	// Spec is the task's linked spec, when it has one.
	Spec *taskstore.Spec

	// Branch is the current git branch, when known.
	Branch string

	// Iteration / MaxIterations position this prompt inside the run.
	Iteration     int
	MaxIterations int
}

// Build constructs the prompt for one autonomous loop iteration.
func Build(opts BuildOpts) string {
	var b strings.Builder

	// Rules.
	b.WriteString("# Rules\n\n")
	b.WriteString("- **You are fully autonomous. There is no human in the loop.** No one will answer questions, grant permissions, or provide clarification. " +
		"Make all decisions yourself. If something is ambiguous, use your best judgment and move forward.\n")
	b.WriteString("- Work only on the assigned task below. File follow-up work you discover as new tasks instead of drifting into it.\n")
	b.WriteString("- Write code, run tests, and ensure everything compiles before finishing.\n")
	b.WriteString("- Do NOT read or write files inside the `.taskloop/` directory directly. " +
		"Use `taskloop` CLI commands instead; the directory structure may change.\n\n")

	// CLI contract.
	name := "unnamed"
	if opts.Project != nil && strings.TrimSpace(opts.Project.Name) != "" {
		name = opts.Project.Name
	}
	b.WriteString(protocol.AgentInstructions(name))
	b.WriteString("\n")

	// Position.
	if opts.MaxIterations > 0 {
		fmt.Fprintf(&b, "This is loop iteration %d of at most %d.\n\n", opts.Iteration, opts.MaxIterations)
	}
	if opts.Branch != "" {
		fmt.Fprintf(&b, "Current branch: %s\n\n", opts.Branch)
	}

	// Objective.
	b.WriteString("# Objective\n\n")
	if opts.Task == nil {
		b.WriteString("No task is assigned. Run `taskloop tasks list`, pick the most important open task, claim it, and work on it.\n")
		return b.String()
	}

	t := opts.Task
	fmt.Fprintf(&b, "Work on task **@%s**: %s\n\n", t.Ref, t.Title)
	if t.Description != "" {
		b.WriteString(t.Description + "\n\n")
	}

	if opts.Spec != nil {
		fmt.Fprintf(&b, "## Acceptance Criteria (spec @%s: %s)\n\n", opts.Spec.Ref, opts.Spec.Title)
		for _, c := range opts.Spec.Criteria {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
		b.WriteString("\n")
	}

	b.WriteString(renderNotes(t.Notes))

	b.WriteString("When the acceptance criteria are met, record a closing note and move the task to completed.\n")
	return b.String()
}

// renderNotes formats the task's recent note history.
func renderNotes(notes []taskstore.Note) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent Notes\n\n")
	start := len(notes) - maxRecentNotes
	if start < 0 {
		start = 0
	}
	if start > 0 {
		fmt.Fprintf(&b, "(%d earlier notes omitted; run `taskloop tasks show` for the full history)\n\n", start)
	}
	for _, n := range notes[start:] {
		author := n.Author
		if author == "" {
			author = "unknown"
		}
		fmt.Fprintf(&b, "- [%s, %s] %s\n", n.CreatedAt.Format("2006-01-02 15:04"), author, n.Text)
	}
	b.WriteString("\n")
	return b.String()
}

// SubagentInput is the structured context a supervised side-task
// prompt is built from.
type SubagentInput struct {
	TaskRef    string
	TaskDetail json.RawMessage
	Spec       json.RawMessage
	Branch     string
	Objective  string
	ReadOnly   bool
}

// BuildSubagent constructs the bounded-objective prompt for a
// supervised subagent run. Context goes inside a supra-code block so
// the model clearly distinguishes it from the objective that follows.
func BuildSubagent(in SubagentInput) string {
	var b strings.Builder

	b.WriteString("Context: `````\n")
	b.WriteString("You are a dedicated subagent spawned for one bounded task. ")
	b.WriteString("Complete it, report the outcome, and stop. Do not start unrelated work.\n\n")

	if in.ReadOnly {
		b.WriteString("You are in READ-ONLY mode. Do NOT create, modify, or delete any files. Only read and analyze.\n\n")
	}
	if in.Branch != "" {
		fmt.Fprintf(&b, "Current branch: %s\n", in.Branch)
	}
	if in.TaskRef != "" {
		fmt.Fprintf(&b, "Task reference: @%s\n", in.TaskRef)
	}

	if len(in.TaskDetail) > 0 {
		b.WriteString("\n## Task Detail\n\n```json\n")
		b.Write(indentJSON(in.TaskDetail))
		b.WriteString("\n```\n")
	}
	if len(in.Spec) > 0 {
		b.WriteString("\n## Linked Spec (acceptance criteria)\n\n```json\n")
		b.Write(indentJSON(in.Spec))
		b.WriteString("\n```\n")
	}
	b.WriteString("`````\n\n")

	// The objective goes OUTSIDE the context block so the model treats
	// it as the primary instruction, not secondary context.
	b.WriteString("Your objective below is your PRIMARY directive. Do exactly what it says, nothing more.\n\n")
	b.WriteString(in.Objective)
	b.WriteString("\n")
	return b.String()
}

func indentJSON(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}
