package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// Event types recorded by the loop.
const (
	TypeSessionStarted     = "session_started"
	TypeIterationStarted   = "iteration_started"
	TypePromptSent         = "prompt_sent"
	TypeAgentUpdate        = "agent_update"
	TypeToolRequest        = "tool_request"
	TypePromptCompleted    = "prompt_completed"
	TypeFailureRecorded    = "failure_recorded"
	TypeTaskEscalated      = "task_escalated"
	TypeIterationCompleted = "iteration_completed"
	TypeSessionEnded       = "session_ended"
)

const (
	eventScanInitial = 64 * 1024
	eventScanMax     = 1024 * 1024
)

// Event is one line of a session's append-only log. TS is milliseconds
// since the epoch; Seq is 0-indexed and assigned at append time.
type Event struct {
	TS        int64           `json:"ts"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AppendInput describes one event to append. A nil Seq means "assign
// by counting existing lines"; TS zero means "stamp now".
type AppendInput struct {
	SessionID string
	Type      string
	TraceID   string
	Data      json.RawMessage
	TS        int64
	Seq       *int
}

// Append durably writes exactly one newline-terminated event line,
// creating the session directory if needed. Seq assignment by line
// count is safe only for a single writer per session; the loop is that
// single writer.
func Append(dir string, in AppendInput) (*Event, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("session: event session id is required")
	}
	if in.Type == "" {
		return nil, fmt.Errorf("session: event type is required")
	}
	if err := os.MkdirAll(SessionDir(dir, in.SessionID), 0755); err != nil {
		return nil, err
	}
	path := EventsPath(dir, in.SessionID)

	seq := 0
	if in.Seq != nil {
		if *in.Seq < 0 {
			return nil, fmt.Errorf("session: negative seq %d", *in.Seq)
		}
		seq = *in.Seq
	} else {
		n, err := countLines(path)
		if err != nil {
			return nil, err
		}
		seq = n
	}

	ts := in.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	ev := &Event{TS: ts, Seq: seq, Type: in.Type, SessionID: in.SessionID, TraceID: in.TraceID, Data: in.Data}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// A crash mid-write can leave the last line unterminated. Repair it
	// so the new line cannot fuse with the damaged one.
	if err := ensureTrailingNewline(f); err != nil {
		return nil, err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ReadEvents returns a session's events sorted by seq ascending. Lines
// that fail to parse or validate are skipped: tolerant reader,
// intolerant writer. A missing log reads as empty.
func ReadEvents(dir, id string) ([]Event, error) {
	f, err := os.Open(EventsPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, eventScanInitial), eventScanMax)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Type == "" || ev.Seq < 0 {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, eventScanInitial), eventScanMax)
	n := 0
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

func ensureTrailingNewline(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return err
	}
	if buf[0] != '\n' {
		_, err = f.Write([]byte("\n"))
	}
	return err
}
