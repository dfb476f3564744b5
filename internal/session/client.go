package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/events"
)

// Client is an attach connection to a running session daemon.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner

	// Meta is the greeting read during Connect.
	Meta WireMeta
}

// Connect dials a session daemon socket and reads the meta greeting.
func Connect(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to session daemon: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	// Update lines carry full raw agent output and can get large.
	scanner.Buffer(make([]byte, 256*1024), 2*1024*1024)

	if !scanner.Scan() {
		conn.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading session greeting: %w", err)
		}
		return nil, fmt.Errorf("session daemon closed the connection before greeting")
	}
	msg, err := DecodeMsg(scanner.Bytes())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding session greeting: %w", err)
	}
	if msg.Type != MsgMeta {
		conn.Close()
		return nil, fmt.Errorf("expected %s greeting, got %q", MsgMeta, msg.Type)
	}
	meta, err := DecodeData[WireMeta](msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decoding session greeting: %w", err)
	}

	return &Client{conn: conn, scanner: scanner, Meta: *meta}, nil
}

// StreamEvents reads wire messages and delivers their events
// equivalents on eventCh until the run finishes or the connection
// drops. eventCh is closed before returning. A done message ends the
// stream cleanly; an EOF without one means the daemon died, which is
// reported both as the returned error and as a final LoopDoneMsg so
// message-driven consumers see it too.
func (c *Client) StreamEvents(eventCh chan<- any) error {
	defer close(eventCh)

	for c.scanner.Scan() {
		msg, err := DecodeMsg(c.scanner.Bytes())
		if err != nil {
			debug.LogKV("session", "skipping undecodable wire line", "error", err)
			continue
		}
		ev, err := c.decodeEvent(msg)
		if err != nil {
			debug.LogKV("session", "skipping bad wire message", "type", msg.Type, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		eventCh <- ev
		if msg.Type == MsgDone {
			return nil
		}
	}

	err := fmt.Errorf("connection to session daemon lost")
	if serr := c.scanner.Err(); serr != nil {
		err = fmt.Errorf("connection to session daemon lost: %w", serr)
	}
	eventCh <- events.LoopDoneMsg{Reason: "error", Err: err}
	return err
}

// decodeEvent translates one wire message into its events message.
// Unknown types return nil so a newer daemon stays attachable.
func (c *Client) decodeEvent(msg *WireMsg) (any, error) {
	switch msg.Type {
	case MsgSnapshot:
		snap, err := DecodeData[WireSnapshot](msg)
		if err != nil {
			return nil, err
		}
		return events.SessionSnapshotMsg{
			SessionID: c.Meta.SessionID,
			AgentType: c.Meta.AgentType,
			Status:    c.Meta.Status,
			StartedAt: c.Meta.StartedAt,
			Iteration: snap.Iteration,
			TaskRef:   snap.TaskRef,
		}, nil
	case MsgLive:
		return events.SessionLiveMsg{}, nil
	case MsgIteration:
		it, err := DecodeData[WireIteration](msg)
		if err != nil {
			return nil, err
		}
		return events.IterationStartedMsg{
			Iteration:     it.Iteration,
			MaxIterations: it.MaxIterations,
			TaskRef:       it.TaskRef,
			TaskTitle:     it.TaskTitle,
			TraceID:       it.TraceID,
		}, nil
	case MsgUpdate:
		w, err := DecodeData[WireUpdate](msg)
		if err != nil {
			return nil, err
		}
		u, err := agent.ParseUpdateBody(w.Update)
		if err != nil {
			return nil, err
		}
		return events.AgentUpdateMsg{Iteration: w.Iteration, Update: u}, nil
	case MsgPromptDone:
		pd, err := DecodeData[WirePromptDone](msg)
		if err != nil {
			return nil, err
		}
		ev := events.PromptDoneMsg{
			Iteration:  pd.Iteration,
			StopReason: pd.StopReason,
			Elapsed:    time.Duration(pd.DurationMS) * time.Millisecond,
		}
		if pd.Error != "" {
			ev.Err = errors.New(pd.Error)
		}
		return ev, nil
	case MsgFailure:
		f, err := DecodeData[WireFailure](msg)
		if err != nil {
			return nil, err
		}
		return events.FailureRecordedMsg{TaskRef: f.TaskRef, Count: f.Count, Note: f.Note}, nil
	case MsgEscalated:
		e, err := DecodeData[WireEscalated](msg)
		if err != nil {
			return nil, err
		}
		return events.TaskEscalatedMsg{TaskRef: e.TaskRef, Count: e.Count}, nil
	case MsgIterationDone:
		d, err := DecodeData[WireIterationDone](msg)
		if err != nil {
			return nil, err
		}
		return events.IterationDoneMsg{Iteration: d.Iteration, Failed: d.Failed}, nil
	case MsgDone:
		d, err := DecodeData[WireDone](msg)
		if err != nil {
			return nil, err
		}
		ev := events.LoopDoneMsg{Iterations: d.Iterations, Reason: d.Reason}
		if d.Error != "" {
			ev.Err = errors.New(d.Error)
		}
		return ev, nil
	}
	return nil, nil
}

// Cancel asks the daemon to stop the run. The stream keeps delivering
// events until the loop winds down and sends done.
func (c *Client) Cancel() error {
	_, err := fmt.Fprintf(c.conn, "%s\n", CtrlCancel)
	return err
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
