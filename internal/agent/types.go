package agent

import (
	"encoding/json"
	"strings"

	"github.com/taskloop/taskloop/internal/rpc"
)

// protocolVersion is the agent protocol revision this client speaks.
const protocolVersion = 1

// Stop reasons reported on prompt completion.
const (
	StopEndTurn         = "end_turn"
	StopMaxTurnRequests = "max_turn_requests"
	StopRefusal         = "refusal"
	StopCancelled       = "cancelled"
)

// Session update kinds carried by session/update notifications.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Tool call statuses within tool_call / tool_call_update updates.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// ContentBlock is the slice of the protocol's content union this tool
// produces and renders. Agents may send richer variants; Text is what
// the loop cares about.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds the plain-text content block used for prompts.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// SessionUpdate is one parsed session/update notification. Kind
// selects which of the optional fields are meaningful; Raw carries the
// full update object for renderers that want more.
type SessionUpdate struct {
	SessionID  string
	Kind       string
	Text       string // message/thought chunk text
	ToolCallID string
	ToolTitle  string
	ToolKind   string // read, edit, execute, fetch, ...
	ToolStatus string
	Raw        json.RawMessage
}

// PermissionOption is one answer the agent offers for a permission
// request.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// ToolRequest is one session/request_permission call from the agent.
// The agent blocks on its tool call until the request is answered.
type ToolRequest struct {
	SessionID  string
	ToolCallID string
	Title      string
	Kind       string
	RawInput   json.RawMessage
	Options    []PermissionOption
}

// ToolDecision answers a ToolRequest: either a selected option or a
// cancellation.
type ToolDecision struct {
	OptionID  string
	Cancelled bool
}

// AllowDecision picks the most permissive option offered, preferring
// allow_once so a later request stays visible.
func AllowDecision(req ToolRequest) ToolDecision {
	for _, o := range req.Options {
		if o.Kind == "allow_once" {
			return ToolDecision{OptionID: o.ID}
		}
	}
	for _, o := range req.Options {
		if strings.HasPrefix(o.Kind, "allow") {
			return ToolDecision{OptionID: o.ID}
		}
	}
	if len(req.Options) > 0 {
		return ToolDecision{OptionID: req.Options[0].ID}
	}
	return ToolDecision{OptionID: "allow"}
}

// RejectDecision picks a reject-class option, cancelling outright when
// the agent offered none.
func RejectDecision(req ToolRequest) ToolDecision {
	for _, o := range req.Options {
		if o.Kind == "reject_once" {
			return ToolDecision{OptionID: o.ID}
		}
	}
	for _, o := range req.Options {
		if strings.HasPrefix(o.Kind, "reject") {
			return ToolDecision{OptionID: o.ID}
		}
	}
	return ToolDecision{Cancelled: true}
}

// AgentCapabilities is the subset of negotiated agent capabilities the
// loop consults.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
}

// PromptResult reports how a prompt turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Success reports whether the turn ended normally.
func (r *PromptResult) Success() bool {
	return r.StopReason == StopEndTurn
}

func parseSessionUpdate(params json.RawMessage) (SessionUpdate, error) {
	var note struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &note); err != nil {
		return SessionUpdate{}, &rpc.ProtocolError{Reason: "session/update params: " + err.Error(), Line: params}
	}
	u, err := ParseUpdateBody(note.Update)
	if err != nil {
		return SessionUpdate{}, err
	}
	u.SessionID = note.SessionID
	return u, nil
}

// ParseUpdateBody decodes a bare update object (the value of the
// "update" key in a session/update notification). Recorded events and
// wire replays store updates in this form.
func ParseUpdateBody(raw json.RawMessage) (SessionUpdate, error) {
	var body struct {
		Kind       string       `json:"sessionUpdate"`
		Content    ContentBlock `json:"content"`
		ToolCallID string       `json:"toolCallId"`
		Title      string       `json:"title"`
		ToolKind   string       `json:"kind"`
		Status     string       `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return SessionUpdate{}, &rpc.ProtocolError{Reason: "session/update body: " + err.Error(), Line: raw}
	}
	if body.Kind == "" {
		return SessionUpdate{}, &rpc.ProtocolError{Reason: "session/update without a sessionUpdate kind", Line: raw}
	}

	u := SessionUpdate{Kind: body.Kind, Raw: raw}
	switch body.Kind {
	case UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		u.Text = body.Content.Text
	case UpdateToolCall, UpdateToolCallUpdate:
		u.ToolCallID = body.ToolCallID
		u.ToolTitle = body.Title
		u.ToolKind = body.ToolKind
		u.ToolStatus = body.Status
	}
	return u, nil
}

func parseToolRequest(params json.RawMessage) (ToolRequest, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ToolCall  struct {
			ToolCallID string          `json:"toolCallId"`
			Title      string          `json:"title"`
			Kind       string          `json:"kind"`
			RawInput   json.RawMessage `json:"rawInput"`
		} `json:"toolCall"`
		Options []PermissionOption `json:"options"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ToolRequest{}, &rpc.ProtocolError{Reason: "session/request_permission params: " + err.Error(), Line: params}
	}
	return ToolRequest{
		SessionID:  p.SessionID,
		ToolCallID: p.ToolCall.ToolCallID,
		Title:      p.ToolCall.Title,
		Kind:       p.ToolCall.Kind,
		RawInput:   p.ToolCall.RawInput,
		Options:    p.Options,
	}, nil
}

// wireOutcome is the response payload for session/request_permission.
func (d ToolDecision) wireOutcome() any {
	if d.Cancelled {
		return map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}
	}
	return map[string]any{"outcome": map[string]any{"outcome": "selected", "optionId": d.OptionID}}
}
