// Package guardrail classifies agent tool requests as read or write
// operations.
//
// Review-style subagents run with a read-only policy: the supervisor
// wraps its tool handler with a Monitor, which rejects write-class
// requests at the permission boundary and keeps a record of what was
// blocked. Classification works from the protocol's tool kind, the
// command text of execute requests, and a catalog of well-known write
// tool names.
package guardrail

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/taskloop/taskloop/internal/agent"
)

// writeKinds are protocol tool kinds that modify the working tree.
var writeKinds = map[string]bool{
	"edit":   true,
	"delete": true,
	"move":   true,
}

// writeToolNames are tool titles that modify files on disk, for agents
// that report a generic kind.
var writeToolNames = map[string]bool{
	"Write":          true,
	"Edit":           true,
	"MultiEdit":      true,
	"NotebookEdit":   true,
	"write_file":     true,
	"edit_file":      true,
	"replace":        true,
	"search_replace": true,
}

// shellWritePatterns are substrings in executed commands that indicate
// a write operation.
var shellWritePatterns = []string{
	">", // redirect (covers > and >>)
	"sed -i",
	"mv ",
	"rm ",
	"rm\t",
	"mkdir ",
	"touch ",
	"cp ",
	"chmod ",
	"chown ",
	"tee ",
	"install ",
	"ln ",
	"patch ",
	"git commit",
	"git push",
	"git merge",
}

// Classify returns a short reason when the request is write-class, or
// "" when it only reads.
func Classify(req agent.ToolRequest) string {
	if writeKinds[req.Kind] {
		return req.Kind
	}
	if req.Kind == "execute" {
		return classifyCommand(req.RawInput)
	}
	if writeToolNames[req.Title] {
		return req.Title
	}
	return ""
}

// classifyCommand checks the command text of an execute request for
// write patterns.
func classifyCommand(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var data struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &data); err != nil {
		return ""
	}
	cmd := strings.TrimSpace(data.Command)
	if cmd == "" {
		return ""
	}

	// taskloop CLI commands are how agents talk to the tracker; a
	// review agent needs them even in read-only mode.
	if cmd == "taskloop" || strings.HasPrefix(cmd, "taskloop ") {
		return ""
	}

	for _, pat := range shellWritePatterns {
		if strings.Contains(cmd, pat) {
			return "execute(" + pat + ")"
		}
	}
	return ""
}

// Monitor rejects write-class requests and remembers what it blocked.
type Monitor struct {
	mu      sync.Mutex
	blocked []string
}

func NewMonitor() *Monitor {
	return &Monitor{}
}

// Handler wraps next with the read-only policy. Write-class requests
// are rejected without consulting next; everything else goes to next,
// or is allowed when next is nil.
func (m *Monitor) Handler(next agent.ToolHandler) agent.ToolHandler {
	return func(req agent.ToolRequest) (agent.ToolDecision, error) {
		if reason := Classify(req); reason != "" {
			m.mu.Lock()
			m.blocked = append(m.blocked, reason+": "+req.Title)
			m.mu.Unlock()
			return agent.RejectDecision(req), nil
		}
		if next != nil {
			return next(req)
		}
		return agent.AllowDecision(req), nil
	}
}

// Blocked returns a copy of the rejected request descriptions, in
// order.
func (m *Monitor) Blocked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.blocked))
	copy(out, m.blocked)
	return out
}

// Count returns how many requests were rejected.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocked)
}
