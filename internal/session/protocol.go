package session

import (
	"encoding/json"
	"time"
)

// Wire message types sent over the attach socket.
const (
	MsgMeta          = "meta"           // session metadata, first on connect
	MsgSnapshot      = "snapshot"       // current run position, sent before replay
	MsgIteration     = "iteration"      // iteration started
	MsgUpdate        = "update"         // one agent session update
	MsgPromptDone    = "prompt_done"    // prompt exchange finished
	MsgFailure       = "failure"        // failure note recorded on a task
	MsgEscalated     = "escalated"      // task crossed the failure threshold
	MsgIterationDone = "iteration_done" // iteration finished
	MsgDone          = "done"           // whole run finished
	MsgLive          = "live"           // replay complete, stream is live
)

// Client-to-daemon control lines. Controls are bare lines, not
// envelopes; cancel is the only one.
const (
	CtrlCancel = "cancel"
)

// WireMsg is the envelope for all messages sent over the session
// socket. Each message is a single JSON line terminated by newline.
type WireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WireMeta is sent as the first message to a connecting client.
type WireMeta struct {
	SessionID string    `json:"session_id"`
	TaskRef   string    `json:"task_ref,omitempty"`
	AgentType string    `json:"agent"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// WireSnapshot is the run position at connect time, so a late attacher
// can show where the loop is before replay finishes.
type WireSnapshot struct {
	Iteration int    `json:"iteration"`
	TaskRef   string `json:"task_ref,omitempty"`
}

// WireIteration signals that an iteration started.
type WireIteration struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	TaskRef       string `json:"task_ref"`
	TaskTitle     string `json:"task_title,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
}

// WireUpdate carries one agent session update in its wire form.
type WireUpdate struct {
	Iteration int             `json:"iteration"`
	Update    json.RawMessage `json:"update"`
}

// WirePromptDone signals that one prompt exchange finished.
type WirePromptDone struct {
	Iteration  int    `json:"iteration"`
	StopReason string `json:"stop_reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// WireFailure signals a failure note written to a task.
type WireFailure struct {
	TaskRef string `json:"task_ref"`
	Count   int    `json:"count"`
	Note    string `json:"note,omitempty"`
}

// WireEscalated signals a task moved to pending_review.
type WireEscalated struct {
	TaskRef string `json:"task_ref"`
	Count   int    `json:"count"`
}

// WireIterationDone signals that one full iteration completed.
type WireIterationDone struct {
	Iteration int  `json:"iteration"`
	Failed    bool `json:"failed"`
}

// WireDone signals the run completion state.
type WireDone struct {
	Iterations int    `json:"iterations"`
	Reason     string `json:"reason,omitempty"` // completed, max_iterations, cancelled, error
	Error      string `json:"error,omitempty"`
}

// EncodeMsg creates a JSON line from a message type and payload.
func EncodeMsg(msgType string, payload any) ([]byte, error) {
	var dataBytes json.RawMessage
	if payload != nil {
		var err error
		dataBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	msg := WireMsg{Type: msgType, Data: dataBytes}
	line, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// DecodeMsg parses a JSON line into a WireMsg.
func DecodeMsg(line []byte) (*WireMsg, error) {
	var msg WireMsg
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeData unmarshals the Data field of a WireMsg into the target struct.
func DecodeData[T any](msg *WireMsg) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
