package guardrail

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/taskloop/taskloop/internal/agent"
)

func execRequest(command string) agent.ToolRequest {
	input, _ := json.Marshal(map[string]string{"command": command})
	return agent.ToolRequest{
		Title:    "Run command",
		Kind:     "execute",
		RawInput: input,
		Options: []agent.PermissionOption{
			{ID: "ok", Kind: "allow_once"},
			{ID: "no", Kind: "reject_once"},
		},
	}
}

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name  string
		req   agent.ToolRequest
		write bool
	}{
		{"read kind", agent.ToolRequest{Kind: "read", Title: "Read file"}, false},
		{"search kind", agent.ToolRequest{Kind: "search", Title: "Grep"}, false},
		{"fetch kind", agent.ToolRequest{Kind: "fetch", Title: "Fetch URL"}, false},
		{"edit kind", agent.ToolRequest{Kind: "edit", Title: "Edit file"}, true},
		{"delete kind", agent.ToolRequest{Kind: "delete", Title: "Delete file"}, true},
		{"move kind", agent.ToolRequest{Kind: "move", Title: "Rename"}, true},
		{"write tool name", agent.ToolRequest{Kind: "other", Title: "Write"}, true},
		{"uncategorized", agent.ToolRequest{Kind: "other", Title: "Think"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.req) != ""
			if got != tt.write {
				t.Errorf("Classify(%s) write = %v, want %v", tt.name, got, tt.write)
			}
		})
	}
}

func TestClassifyCommands(t *testing.T) {
	tests := []struct {
		command string
		write   bool
	}{
		{"ls -la", false},
		{"cat main.go", false},
		{"git log --oneline", false},
		{"git status", false},
		{"rm -rf build", true},
		{"echo hi > out.txt", true},
		{"sed -i s/a/b/ file", true},
		{"git commit -m wip", true},
		{"git push origin main", true},
		{"go test ./... | tee results.txt", true},
		{"taskloop tasks list", false},
		{"taskloop tasks note fix-build --text done", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := Classify(execRequest(tt.command)) != ""
			if got != tt.write {
				t.Errorf("Classify(%q) write = %v, want %v", tt.command, got, tt.write)
			}
		})
	}
}

func TestClassifyBadExecuteInput(t *testing.T) {
	req := agent.ToolRequest{Kind: "execute", RawInput: json.RawMessage(`not json`)}
	if got := Classify(req); got != "" {
		t.Errorf("Classify(bad input) = %q, want read", got)
	}
	req = agent.ToolRequest{Kind: "execute"}
	if got := Classify(req); got != "" {
		t.Errorf("Classify(no input) = %q, want read", got)
	}
}

func TestMonitorRejectsWritesAllowsReads(t *testing.T) {
	m := NewMonitor()
	h := m.Handler(nil)

	d, err := h(execRequest("rm -rf /tmp/x"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if d.OptionID != "no" {
		t.Errorf("write decision = %+v, want reject option", d)
	}

	d, err = h(execRequest("git diff"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if d.OptionID != "ok" {
		t.Errorf("read decision = %+v, want allow option", d)
	}

	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	blocked := m.Blocked()
	if len(blocked) != 1 || !strings.Contains(blocked[0], "rm ") {
		t.Errorf("Blocked() = %v", blocked)
	}
}

func TestMonitorDelegatesReadsToNext(t *testing.T) {
	m := NewMonitor()
	called := 0
	h := m.Handler(func(req agent.ToolRequest) (agent.ToolDecision, error) {
		called++
		return agent.RejectDecision(req), nil
	})

	d, err := h(execRequest("cat go.mod"))
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if called != 1 {
		t.Errorf("next called %d times, want 1", called)
	}
	if d.OptionID != "no" {
		t.Errorf("decision = %+v, want next's rejection", d)
	}

	// Write requests never reach next.
	if _, err := h(execRequest("touch x")); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if called != 1 {
		t.Errorf("next called %d times after write, want still 1", called)
	}
}
