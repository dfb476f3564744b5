package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned for any operation attempted after Close, and is
// the failure delivered to every call still pending when the transport
// closed.
var ErrClosed = errors.New("rpc: connection closed")

// TimeoutError fails a call whose deadline expired with neither a
// matching response nor any keepalive traffic.
type TimeoutError struct {
	ID      int64
	Method  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: call %d (%s) timed out after %s", e.ID, e.Method, e.Elapsed.Round(time.Millisecond))
}

// RemoteError is the structured error object returned by the other
// endpoint. It doubles as the wire shape of the "error" member.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err is a remote "method not found"
// answer, the expected outcome of optional-capability probes.
func IsMethodNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeMethodNotFound
}

// ProtocolError marks well-formed JSON that does not fit the expected
// shape: a notification or request payload the higher-level client
// cannot decode. Lines matching none of the four message forms are
// answered in-stream and never surface as this type.
type ProtocolError struct {
	Reason string
	Line   []byte
}

func (e *ProtocolError) Error() string {
	return "rpc: protocol violation: " + e.Reason
}
