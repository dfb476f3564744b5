package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/rpc"
)

// SpawnError reports a failed adapter launch or handshake, with the
// head of the child's stderr attached for diagnosis.
type SpawnError struct {
	Stage  string // launch, handshake
	ID     string
	Err    error
	Stderr string
}

func (e *SpawnError) Error() string {
	msg := fmt.Sprintf("agent %s: %s failed: %v", e.ID, e.Stage, e.Err)
	if s := condense(e.Stderr); s != "" {
		msg += " (stderr: " + s + ")"
	}
	return msg
}

func (e *SpawnError) Unwrap() error { return e.Err }

// SpawnOptions configures one adapter launch.
type SpawnOptions struct {
	// Dir is the child's working directory. Empty inherits ours.
	Dir string
	// Env entries overlay the descriptor's env and the parent
	// environment.
	Env map[string]string
	// Stderr, when set, receives a copy of the child's stderr in
	// addition to the in-memory head capture. Stderr never joins the
	// protocol stream.
	Stderr io.Writer
	// Client configures the protocol client wrapped around the child.
	Client ClientOptions
}

// Handle owns one running adapter process and its protocol client.
type Handle struct {
	ID     string
	Client *Client
	Init   InitializeResult

	cmd      *exec.Cmd
	stderr   *stderrCapture
	killOnce sync.Once
	waitErr  error
}

// Spawn launches the adapter described by d, wires a protocol client
// over its stdio and completes the handshake. The child is in its own
// process group and dies with ctx; on any failure after launch the
// child is killed before the error returns, so a non-nil error never
// leaks a process.
func Spawn(ctx context.Context, id string, d Descriptor, opts SpawnOptions) (*Handle, error) {
	name, args := d.commandLine()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	setupEnv(cmd, d.Env, opts.Env)
	cmd.Env = debug.PropagatedEnv(cmd.Env, "agent:"+id)
	setupProcessGroup(cmd)

	capture := &stderrCapture{}
	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(capture, opts.Stderr)
	} else {
		cmd.Stderr = capture
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Stage: "launch", ID: id, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Stage: "launch", ID: id, Err: err}
	}

	debug.LogKV("spawn", "starting adapter", "id", id, "command", name,
		"args", strings.Join(args, " "), "dir", opts.Dir)
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Stage: "launch", ID: id, Err: err}
	}

	conn := rpc.NewConn(stdout, stdin, "agent:"+id)
	h := &Handle{
		ID:     id,
		Client: NewClient(conn, id, opts.Client),
		cmd:    cmd,
		stderr: capture,
	}

	init, err := h.Client.Initialize(ctx)
	if err != nil {
		h.Kill()
		return nil, &SpawnError{Stage: "handshake", ID: id, Err: err, Stderr: capture.String()}
	}
	h.Init = init
	debug.LogKV("spawn", "adapter ready", "id", id, "pid", h.PID(),
		"protocol", init.ProtocolVersion)
	return h, nil
}

// PID returns the child's process id, or 0 before start.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Stderr returns the captured head of the child's stderr.
func (h *Handle) Stderr() string {
	return h.stderr.String()
}

// Kill tears down the connection, kills the child's whole process
// group and reaps it. Idempotent; later calls return the first
// outcome.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		h.Client.Close()
		if h.cmd.Process != nil {
			_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		}
		h.waitErr = h.cmd.Wait()
		debug.LogKV("spawn", "adapter killed", "id", h.ID,
			"exit", extractExitCode(h.waitErr))
	})
	return h.waitErr
}

// condense flattens stderr to a single trimmed line for error text.
func condense(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const keep = 300
	if len(s) > keep {
		s = s[:keep] + "..."
	}
	return s
}
