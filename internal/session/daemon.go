package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/debug"
)

// SocketPath returns the attach socket path for a session. Sockets
// live under the short global dir, not the project tree, to stay
// inside the unix socket path length limit.
func SocketPath(id string) string {
	return filepath.Join(config.Dir(), "sessions-rt", id+".sock")
}

// DaemonConfig is everything a detached run needs to reconstruct its
// loop, written next to the session metadata before the daemon starts.
type DaemonConfig struct {
	ProjectDir    string `json:"project_dir"`
	WorkDir       string `json:"work_dir"`
	Branch        string `json:"branch,omitempty"`
	AgentID       string `json:"agent,omitempty"`
	TaskRef       string `json:"task_ref,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// DaemonConfigPath returns the daemon config JSON path for a session.
func DaemonConfigPath(dir, id string) string {
	return filepath.Join(SessionDir(dir, id), "config.json")
}

// SaveDaemonConfig persists the daemon config for a session.
func SaveDaemonConfig(dir, id string, cfg *DaemonConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := DaemonConfigPath(dir, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadDaemonConfig reads a session's daemon config.
func LoadDaemonConfig(dir, id string) (*DaemonConfig, error) {
	data, err := os.ReadFile(DaemonConfigPath(dir, id))
	if err != nil {
		return nil, err
	}
	var cfg DaemonConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing daemon config: %w", err)
	}
	return &cfg, nil
}

// StartDaemon launches a detached daemon process for a prepared
// session and waits for its socket to appear.
func StartDaemon(sessionID string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	cmd := exec.Command(exe, "_session-daemon", "--id", sessionID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = debug.PropagatedEnv(os.Environ(), "session-daemon:"+sessionID)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Detached: reap without waiting.
	go cmd.Wait()

	sockPath := SocketPath(sessionID)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not create socket within 10 seconds")
}

// ListenSocket creates the session's attach socket, replacing any
// stale one. The caller owns the listener and removes the socket file
// on shutdown.
func ListenSocket(sessionID string) (net.Listener, error) {
	sockPath := SocketPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(sockPath), 0755); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}
	return ln, nil
}

// Broadcaster fans wire messages out to attached clients, replaying
// the full history to late attachers. It is pure transport: the daemon
// decides what to broadcast, the loop owns the durable event log.
type Broadcaster struct {
	mu       sync.Mutex
	clients  []*clientConn
	buffered [][]byte
	meta     WireMeta
	snapshot WireSnapshot

	// onCancel runs when any client sends the cancel control line.
	onCancel func()
}

type clientConn struct {
	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewBroadcaster returns a broadcaster that greets clients with meta
// and invokes onCancel on a cancel control line.
func NewBroadcaster(meta WireMeta, onCancel func()) *Broadcaster {
	return &Broadcaster{meta: meta, onCancel: onCancel}
}

// Serve accepts client connections until the listener closes.
func (b *Broadcaster) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go b.handleClient(conn)
	}
}

// handleClient greets, replays, then streams until the client hangs
// up. Control lines from the client are read on the same connection.
func (b *Broadcaster) handleClient(conn net.Conn) {
	cc := &clientConn{
		conn:   conn,
		writer: bufio.NewWriter(conn),
	}

	metaLine, _ := EncodeMsg(MsgMeta, b.meta)
	cc.writeLine(metaLine)

	b.mu.Lock()
	snapLine, _ := EncodeMsg(MsgSnapshot, b.snapshot)
	cc.writeLine(snapLine)
	for _, line := range b.buffered {
		cc.writeLine(line)
	}
	b.clients = append(b.clients, cc)
	b.mu.Unlock()

	liveLine, _ := EncodeMsg(MsgLive, nil)
	cc.writeLine(liveLine)
	cc.flush()

	debug.LogKV("session", "attach client connected", "session", b.meta.SessionID)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if scanner.Text() == CtrlCancel {
			debug.LogKV("session", "cancel requested by attached client", "session", b.meta.SessionID)
			if b.onCancel != nil {
				b.onCancel()
			}
		}
	}

	b.removeClient(cc)
	conn.Close()
	debug.LogKV("session", "attach client disconnected", "session", b.meta.SessionID)
}

func (b *Broadcaster) removeClient(cc *clientConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.clients {
		if c == cc {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			return
		}
	}
}

// Broadcast encodes one message, buffers it for replay and fans it out
// to connected clients.
func (b *Broadcaster) Broadcast(msgType string, payload any) {
	line, err := EncodeMsg(msgType, payload)
	if err != nil {
		debug.LogKV("session", "broadcast encode failed", "type", msgType, "error", err)
		return
	}

	b.mu.Lock()
	b.buffered = append(b.buffered, line)
	clients := make([]*clientConn, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	for _, cc := range clients {
		cc.writeLine(line)
		cc.flush()
	}
}

// SetSnapshot updates the position sent to newly attaching clients.
func (b *Broadcaster) SetSnapshot(snap WireSnapshot) {
	b.mu.Lock()
	b.snapshot = snap
	b.mu.Unlock()
}

// MarkDone broadcasts the final done message. Late attachers see it in
// replay; connected clients disconnect after reading it.
func (b *Broadcaster) MarkDone(done WireDone) {
	b.Broadcast(MsgDone, done)
}

// Wait blocks until every client disconnected or the timeout passes,
// so final messages are not cut off by daemon exit.
func (b *Broadcaster) Wait(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		n := len(b.clients)
		b.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (cc *clientConn) writeLine(data []byte) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.writer.Write(data)
}

func (cc *clientConn) flush() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.writer.Flush()
}
