package rpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string // request | notification | response | error | invalid
	}{
		{name: "request", line: `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, want: "request"},
		{name: "request without params", line: `{"jsonrpc":"2.0","id":2,"method":"session/new"}`, want: "request"},
		{name: "notification", line: `{"jsonrpc":"2.0","method":"session/update","params":{"x":1}}`, want: "notification"},
		{name: "response", line: `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, want: "response"},
		{name: "response with null result", line: `{"jsonrpc":"2.0","id":3,"result":null}`, want: "response"},
		{name: "error", line: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, want: "error"},
		{name: "error with null id", line: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, want: "error"},
		{name: "null id request is invalid", line: `{"jsonrpc":"2.0","id":null,"method":"x"}`, want: "invalid"},
		{name: "bare id", line: `{"jsonrpc":"2.0","id":9}`, want: "invalid"},
		{name: "wrong version", line: `{"jsonrpc":"1.0","id":1,"method":"x"}`, want: "invalid"},
		{name: "empty object", line: `{}`, want: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Message
			if err := json.Unmarshal([]byte(tt.line), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got := "invalid"
			if m.Valid() {
				switch {
				case m.IsRequest():
					got = "request"
				case m.IsNotification():
					got = "notification"
				case m.IsResponse():
					got = "response"
				case m.IsError():
					got = "error"
				}
			}
			if got != tt.want {
				t.Fatalf("classified %q as %s, want %s", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw    string
		wantID int64
		wantOK bool
	}{
		{raw: `7`, wantID: 7, wantOK: true},
		{raw: `null`, wantOK: false},
		{raw: ``, wantOK: false},
		{raw: `"abc"`, wantOK: false},
		{raw: `1.5`, wantOK: false},
	}
	for _, tt := range tests {
		var raw json.RawMessage
		if tt.raw != "" {
			raw = json.RawMessage(tt.raw)
		}
		id, ok := parseID(raw)
		if ok != tt.wantOK || id != tt.wantID {
			t.Fatalf("parseID(%q) = (%d, %v), want (%d, %v)", tt.raw, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestUnattributableErrorMarshalsNullID(t *testing.T) {
	data, err := json.Marshal(outError{
		JSONRPC: ProtocolVersion,
		Error:   &RemoteError{Code: CodeParseError, Message: "parse error"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"id":null`) {
		t.Fatalf("marshaled error = %s, want id:null", data)
	}
}
