package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/taskloop/taskloop/internal/rpc"
)

func TestParseSessionUpdateMessageChunk(t *testing.T) {
	params := json.RawMessage(`{
		"sessionId": "sess-1",
		"update": {
			"sessionUpdate": "agent_message_chunk",
			"content": {"type": "text", "text": "hello"}
		}
	}`)
	u, err := parseSessionUpdate(params)
	if err != nil {
		t.Fatalf("parseSessionUpdate() error = %v", err)
	}
	if u.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", u.SessionID)
	}
	if u.Kind != UpdateAgentMessageChunk {
		t.Errorf("Kind = %q, want %q", u.Kind, UpdateAgentMessageChunk)
	}
	if u.Text != "hello" {
		t.Errorf("Text = %q, want hello", u.Text)
	}
	if len(u.Raw) == 0 {
		t.Error("Raw should carry the update body")
	}
}

func TestParseSessionUpdateToolCall(t *testing.T) {
	params := json.RawMessage(`{
		"sessionId": "sess-1",
		"update": {
			"sessionUpdate": "tool_call",
			"toolCallId": "tc-9",
			"title": "Read file",
			"kind": "read",
			"status": "in_progress"
		}
	}`)
	u, err := parseSessionUpdate(params)
	if err != nil {
		t.Fatalf("parseSessionUpdate() error = %v", err)
	}
	if u.Kind != UpdateToolCall {
		t.Errorf("Kind = %q, want %q", u.Kind, UpdateToolCall)
	}
	if u.ToolCallID != "tc-9" || u.ToolTitle != "Read file" || u.ToolKind != "read" {
		t.Errorf("tool fields = %q/%q/%q", u.ToolCallID, u.ToolTitle, u.ToolKind)
	}
	if u.ToolStatus != ToolStatusInProgress {
		t.Errorf("ToolStatus = %q, want %q", u.ToolStatus, ToolStatusInProgress)
	}
	if u.Text != "" {
		t.Errorf("Text = %q, want empty for tool updates", u.Text)
	}
}

func TestParseSessionUpdateRejectsMissingKind(t *testing.T) {
	params := json.RawMessage(`{"sessionId": "s", "update": {"content": {"type": "text", "text": "x"}}}`)
	_, err := parseSessionUpdate(params)
	if err == nil {
		t.Fatal("expected error for update without sessionUpdate kind")
	}
	var pe *rpc.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *rpc.ProtocolError", err)
	}
	if len(pe.Line) == 0 {
		t.Error("ProtocolError carries no offending payload")
	}
}

func TestParseSessionUpdateBadShapeIsProtocolError(t *testing.T) {
	params := json.RawMessage(`{"sessionId": "s", "update": 7}`)
	_, err := parseSessionUpdate(params)
	var pe *rpc.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v (%T), want *rpc.ProtocolError", err, err)
	}
}

func TestParseToolRequest(t *testing.T) {
	params := json.RawMessage(`{
		"sessionId": "sess-2",
		"toolCall": {
			"toolCallId": "tc-1",
			"title": "Run tests",
			"kind": "execute",
			"rawInput": {"command": "make test"}
		},
		"options": [
			{"optionId": "a1", "name": "Allow", "kind": "allow_once"},
			{"optionId": "r1", "name": "Reject", "kind": "reject_once"}
		]
	}`)
	req, err := parseToolRequest(params)
	if err != nil {
		t.Fatalf("parseToolRequest() error = %v", err)
	}
	if req.SessionID != "sess-2" || req.ToolCallID != "tc-1" {
		t.Errorf("ids = %q/%q", req.SessionID, req.ToolCallID)
	}
	if req.Title != "Run tests" || req.Kind != "execute" {
		t.Errorf("title/kind = %q/%q", req.Title, req.Kind)
	}
	if len(req.Options) != 2 || req.Options[0].ID != "a1" || req.Options[1].Kind != "reject_once" {
		t.Errorf("options = %+v", req.Options)
	}
	if !strings.Contains(string(req.RawInput), "make test") {
		t.Errorf("RawInput = %s", req.RawInput)
	}
}

func TestAllowDecision(t *testing.T) {
	tests := []struct {
		name    string
		options []PermissionOption
		want    string
	}{
		{
			name: "prefers allow_once",
			options: []PermissionOption{
				{ID: "aa", Kind: "allow_always"},
				{ID: "ao", Kind: "allow_once"},
			},
			want: "ao",
		},
		{
			name: "falls back to any allow",
			options: []PermissionOption{
				{ID: "rj", Kind: "reject_once"},
				{ID: "aa", Kind: "allow_always"},
			},
			want: "aa",
		},
		{
			name: "falls back to first option",
			options: []PermissionOption{
				{ID: "x", Kind: "custom"},
				{ID: "y", Kind: "other"},
			},
			want: "x",
		},
		{
			name: "no options",
			want: "allow",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := AllowDecision(ToolRequest{Options: tt.options})
			if d.Cancelled {
				t.Fatal("AllowDecision should never cancel")
			}
			if d.OptionID != tt.want {
				t.Errorf("OptionID = %q, want %q", d.OptionID, tt.want)
			}
		})
	}
}

func TestRejectDecision(t *testing.T) {
	d := RejectDecision(ToolRequest{Options: []PermissionOption{
		{ID: "ao", Kind: "allow_once"},
		{ID: "ra", Kind: "reject_always"},
		{ID: "ro", Kind: "reject_once"},
	}})
	if d.OptionID != "ro" {
		t.Errorf("OptionID = %q, want ro", d.OptionID)
	}

	d = RejectDecision(ToolRequest{Options: []PermissionOption{
		{ID: "ra", Kind: "reject_always"},
	}})
	if d.OptionID != "ra" {
		t.Errorf("OptionID = %q, want ra", d.OptionID)
	}

	d = RejectDecision(ToolRequest{Options: []PermissionOption{
		{ID: "ao", Kind: "allow_once"},
	}})
	if !d.Cancelled {
		t.Error("expected cancellation when no reject option exists")
	}
}

func TestWireOutcomeShapes(t *testing.T) {
	selected, err := json.Marshal(ToolDecision{OptionID: "opt-1"}.wireOutcome())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"outcome":"selected"`, `"optionId":"opt-1"`} {
		if !strings.Contains(string(selected), want) {
			t.Errorf("selected outcome %s missing %s", selected, want)
		}
	}

	cancelled, err := json.Marshal(ToolDecision{Cancelled: true}.wireOutcome())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(cancelled), `"outcome":"cancelled"`) {
		t.Errorf("cancelled outcome = %s", cancelled)
	}
	if strings.Contains(string(cancelled), "optionId") {
		t.Errorf("cancelled outcome should not carry an optionId: %s", cancelled)
	}
}

func TestPromptResultSuccess(t *testing.T) {
	ok := PromptResult{StopReason: StopEndTurn}
	if !ok.Success() {
		t.Error("end_turn should be success")
	}
	for _, reason := range []string{StopCancelled, StopRefusal, StopMaxTurnRequests} {
		r := PromptResult{StopReason: reason}
		if r.Success() {
			t.Errorf("%s should not be success", reason)
		}
	}
}
