package agent

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const stderrCaptureMax = 64 * 1024

// setupEnv builds the child environment from the parent environment
// plus overlay layers, later layers winning.
func setupEnv(cmd *exec.Cmd, layers ...map[string]string) {
	env := os.Environ()
	for _, layer := range layers {
		for k, v := range layer {
			env = append(env, k+"="+v)
		}
	}
	cmd.Env = env
}

// setupProcessGroup puts the child in its own process group and wires
// cancellation to kill the whole group, so adapter wrappers that fork
// (npx, shells) cannot leave orphans behind.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}

// extractExitCode pulls the exit status out of a Wait error. Returns
// -1 when the error carries no exit code (signal death, start
// failure).
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// stderrCapture keeps the head of the child's stderr for diagnostics.
// Writes past the cap are counted but discarded.
type stderrCapture struct {
	mu      sync.Mutex
	buf     []byte
	dropped int
}

func (s *stderrCapture) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := stderrCaptureMax - len(s.buf)
	if room > 0 {
		take := p
		if len(take) > room {
			take = take[:room]
		}
		s.buf = append(s.buf, take...)
	}
	if over := len(p) - max(room, 0); over > 0 {
		s.dropped += over
	}
	return len(p), nil
}

func (s *stderrCapture) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
