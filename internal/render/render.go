// Package render formats protocol session updates for terminal output.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/taskloop/taskloop/internal/agent"
)

const maxTitleLen = 100

// Renderer turns session updates into colored terminal lines. Message
// and thought chunks stream onto one open line per kind; everything
// else is a one-liner. Safe for concurrent use.
type Renderer struct {
	w  io.Writer
	mu sync.Mutex

	open string // chunk kind currently streaming on the line
}

// New creates a Renderer writing to w.
func New(w io.Writer) *Renderer {
	return &Renderer{w: w}
}

// Handle formats and writes a single session update.
func (r *Renderer) Handle(u agent.SessionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case agent.UpdateAgentMessageChunk:
		r.chunk("message", "\033[1;36m[agent]\033[0m ", u.Text)

	case agent.UpdateAgentThoughtChunk:
		r.chunk("thought", "\033[2m[thinking]\033[0m ", u.Text)

	case agent.UpdateToolCall, agent.UpdateToolCallUpdate:
		if u.Kind == agent.UpdateToolCallUpdate && !finalStatus(u.ToolStatus) {
			return
		}
		r.finishLine()
		label := u.ToolKind
		if label == "" {
			label = "tool"
		}
		title := clip(u.ToolTitle, maxTitleLen)
		fmt.Fprintf(r.w, "%s●\033[0m \033[1;33m[tool:%s]\033[0m %s", statusColor(u.ToolStatus), label, title)
		if u.ToolStatus != "" {
			fmt.Fprintf(r.w, " \033[2m%s\033[0m", u.ToolStatus)
		}
		fmt.Fprintln(r.w)

	case agent.UpdatePlan:
		r.finishLine()
		fmt.Fprintf(r.w, "\033[2m[plan]\033[0m %s\n", PlanSummary(u.Raw))

	case "":
		// Tolerated upstream; nothing to draw.

	default:
		r.finishLine()
		fmt.Fprintf(r.w, "\033[2m[%s]\033[0m\n", u.Kind)
	}
}

// Finish ensures any open chunk line is terminated with a newline.
func (r *Renderer) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLine()
}

// chunk streams text onto the current line, starting a fresh labeled
// line when the chunk kind changes.
func (r *Renderer) chunk(kind, label, text string) {
	if text == "" {
		return
	}
	if r.open != kind {
		r.finishLine()
		fmt.Fprint(r.w, label)
		r.open = kind
	}
	fmt.Fprint(r.w, text)
}

func (r *Renderer) finishLine() {
	if r.open != "" {
		fmt.Fprintln(r.w)
		r.open = ""
	}
}

// finalStatus reports whether a tool_call_update is worth a line of
// its own; intermediate progress updates are noise at this zoom level.
func finalStatus(status string) bool {
	return status == agent.ToolStatusCompleted || status == agent.ToolStatusFailed
}

func statusColor(status string) string {
	switch status {
	case agent.ToolStatusInProgress:
		return "\033[1;33m"
	case agent.ToolStatusCompleted:
		return "\033[1;32m"
	case agent.ToolStatusFailed:
		return "\033[1;31m"
	default:
		return "\033[2m"
	}
}

// PlanSummary condenses a plan update body to progress plus the step
// the agent is on.
func PlanSummary(raw json.RawMessage) string {
	var body struct {
		Entries []struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Entries) == 0 {
		return "updated"
	}
	done := 0
	current := ""
	for _, e := range body.Entries {
		if e.Status == "completed" {
			done++
		} else if current == "" {
			current = e.Content
		}
	}
	s := fmt.Sprintf("%d/%d steps", done, len(body.Entries))
	if current != "" {
		s += " · " + clip(current, 80)
	}
	return s
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
