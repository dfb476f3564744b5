// Package rpc implements newline-delimited JSON-RPC 2.0 framing over a
// child process's pipes: the wire shapes, and a Conn that owns id
// allocation, pending-call bookkeeping, per-call deadlines with
// keepalive re-arm, and tolerant line-by-line inbound parsing.
package rpc

import "encoding/json"

// ProtocolVersion is the JSON-RPC version tag carried on every message.
const ProtocolVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application error codes. Tool and agent failures are reported in the
// -32000..-32099 range.
const (
	CodeToolFailure = -32000
	CodeAppFloor    = -32099
)

// Message is one decoded wire line. Exactly one of the four JSON-RPC
// shapes (request, notification, response, error) should match; the
// classifier methods identify which.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request: a method with a
// non-null id.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && !isNullID(m.ID)
}

// IsNotification reports whether the message is a notification: a
// method with no id member at all.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsResponse reports whether the message is a successful response: an
// id with a result member (possibly null) and no error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && m.Result != nil && m.Error == nil
}

// IsError reports whether the message is an error response. The id may
// be null for errors not attributable to a specific request.
func (m *Message) IsError() bool {
	return m.Method == "" && m.Error != nil
}

// Valid reports whether the message carries the right version tag and
// matches exactly one of the four shapes.
func (m *Message) Valid() bool {
	if m.JSONRPC != ProtocolVersion {
		return false
	}
	return m.IsRequest() || m.IsNotification() || m.IsResponse() || m.IsError()
}

func isNullID(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// parseID extracts a locally-allocated integer call id from a raw wire
// id. ok is false for null, absent, and non-integer ids, which can
// never match an outstanding call of ours.
func parseID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || isNullID(raw) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	id, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return id, true
}

// Outbound wire shapes. Requests and notifications always carry our own
// integer ids; responses and errors echo the peer's id verbatim.
type outRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type outError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"` // nil marshals as null: unattributable
	Error   *RemoteError    `json:"error"`
}
