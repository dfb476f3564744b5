package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/taskloop/taskloop/internal/agent"
)

func chunkUpdate(kind, text string) agent.SessionUpdate {
	return agent.SessionUpdate{Kind: kind, Text: text}
}

func TestMessageChunksCoalesce(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(chunkUpdate(agent.UpdateAgentMessageChunk, "hello "))
	r.Handle(chunkUpdate(agent.UpdateAgentMessageChunk, "world"))
	r.Finish()

	want := "\033[1;36m[agent]\033[0m hello world\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestKindSwitchClosesLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(chunkUpdate(agent.UpdateAgentMessageChunk, "hi"))
	r.Handle(chunkUpdate(agent.UpdateAgentThoughtChunk, "hmm"))
	r.Finish()

	want := "\033[1;36m[agent]\033[0m hi\n\033[2m[thinking]\033[0m hmm\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestToolCallLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(agent.SessionUpdate{
		Kind:       agent.UpdateToolCall,
		ToolKind:   "execute",
		ToolTitle:  "Run tests",
		ToolStatus: agent.ToolStatusInProgress,
	})

	out := buf.String()
	for _, want := range []string{"[tool:execute]", "Run tests", "in_progress", "\033[1;33m●"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("tool line not terminated")
	}
}

func TestToolCallUpdateOnlyFinalStatuses(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(agent.SessionUpdate{
		Kind:       agent.UpdateToolCallUpdate,
		ToolTitle:  "Run tests",
		ToolStatus: agent.ToolStatusInProgress,
	})
	if buf.Len() != 0 {
		t.Fatalf("progress update produced output %q", buf.String())
	}

	r.Handle(agent.SessionUpdate{
		Kind:       agent.UpdateToolCallUpdate,
		ToolKind:   "execute",
		ToolTitle:  "Run tests",
		ToolStatus: agent.ToolStatusFailed,
	})
	out := buf.String()
	if !strings.Contains(out, "\033[1;31m●") || !strings.Contains(out, "failed") {
		t.Errorf("output = %q", out)
	}
}

func TestToolCallInterruptsChunkLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(chunkUpdate(agent.UpdateAgentMessageChunk, "checking"))
	r.Handle(agent.SessionUpdate{
		Kind:      agent.UpdateToolCall,
		ToolKind:  "read",
		ToolTitle: "Read main.go",
	})

	out := buf.String()
	if !strings.Contains(out, "checking\n") {
		t.Errorf("chunk line not closed before tool line: %q", out)
	}
}

func TestPlanSummary(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	raw := `{"sessionUpdate":"plan","entries":[` +
		`{"content":"read the failing test","status":"completed"},` +
		`{"content":"write the fix","status":"in_progress"},` +
		`{"content":"run the suite","status":"pending"}]}`
	r.Handle(agent.SessionUpdate{Kind: agent.UpdatePlan, Raw: json.RawMessage(raw)})

	out := buf.String()
	if !strings.Contains(out, "[plan]") || !strings.Contains(out, "1/3 steps") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "write the fix") {
		t.Errorf("current step missing from %q", out)
	}
}

func TestPlanSummaryBadPayload(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(agent.SessionUpdate{Kind: agent.UpdatePlan, Raw: json.RawMessage(`{`)})
	if !strings.Contains(buf.String(), "updated") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestUnknownKindDimLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(agent.SessionUpdate{Kind: "current_mode_update"})
	want := "\033[2m[current_mode_update]\033[0m\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestLongTitleClipped(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	long := strings.Repeat("x", 150)
	r.Handle(agent.SessionUpdate{Kind: agent.UpdateToolCall, ToolKind: "edit", ToolTitle: long})

	out := buf.String()
	if strings.Contains(out, long) {
		t.Error("title not clipped")
	}
	if !strings.Contains(out, strings.Repeat("x", 100)+"...") {
		t.Errorf("output = %q", out)
	}
}

func TestFinishWithoutOpenLine(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Finish()
	r.Finish()
	if buf.Len() != 0 {
		t.Errorf("Finish wrote %q with nothing open", buf.String())
	}

	r.Handle(chunkUpdate(agent.UpdateAgentThoughtChunk, "…"))
	r.Finish()
	r.Finish()
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("newlines = %d, want 1", got)
	}
}

func TestEmptyChunkIgnored(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Handle(chunkUpdate(agent.UpdateAgentMessageChunk, ""))
	if buf.Len() != 0 {
		t.Errorf("empty chunk wrote %q", buf.String())
	}
}
