// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug or TASKLOOP_DEBUG=1, every significant event in the
// taskloop runtime is written to a single .log file under ~/.taskloop/debug/.
// The log carries nanosecond timestamps, goroutine IDs, caller locations and
// the context ids that matter here (session, call id, trace, task ref) so a
// loop run can be reconstructed after the fact.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/taskloop/taskloop/internal/hexid"
)

// logger is the global debug logger. nil when debug mode is off.
var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled toggles debug logger initialization for child taskloop processes.
	EnvEnabled = "TASKLOOP_DEBUG"
	// EnvLogPath forces logs to be written to an existing aggregate debug file.
	EnvLogPath = "TASKLOOP_DEBUG_FILE"
	// EnvProcess labels the current process in every emitted log line.
	EnvProcess = "TASKLOOP_DEBUG_PROCESS"
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
	pid       int
	process   string
}

// Init initializes the global debug logger, creating ~/.taskloop/debug/ if
// needed and opening a log file named with the current timestamp and a random
// hex id. Returns the log file path. Calling Init when debug mode is off is
// unnecessary — all Log/Logf calls are no-ops while the logger is nil.
func Init() (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, inherited, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	now := time.Now()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := &Logger{
		file:      f,
		path:      path,
		startedAt: now,
		pid:       os.Getpid(),
		process:   processLabel(),
	}

	if inherited {
		fmt.Fprintf(f, "\n=== taskloop debug: process attached ===\nStarted: %s\nPID: %d\nProcess: %s\n===\n\n",
			now.Format(time.RFC3339Nano), l.pid, l.process)
	} else {
		fmt.Fprintf(f, "=== taskloop debug log ===\nStarted: %s\nPID: %d\nProcess: %s\nFile: %s\n===\n\n",
			now.Format(time.RFC3339Nano), l.pid, l.process, path)
	}

	loggerMu.Lock()
	if logger != nil {
		p := logger.path
		loggerMu.Unlock()
		_ = f.Close()
		return p, nil
	}
	logger = l
	loggerMu.Unlock()

	return path, nil
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.startedAt)
	fmt.Fprintf(l.file, "\n=== debug log closed === (pid=%d process=%s duration=%s)\n", l.pid, l.process, elapsed)
	l.file.Close()
}

// Enabled returns true if the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	e := logger != nil
	loggerMu.RUnlock()
	return e
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return ""
	}
	return l.path
}

// ShouldEnableFromEnv returns true when debug logging should be initialized
// based on inherited environment variables.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	toggle := strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled)))
	switch toggle {
	case "":
		return path != ""
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv returns an environment slice with debug variables overlaid so
// child taskloop processes (the session daemon) log into the same file.
// If debug logging is off, baseEnv is returned unchanged.
func PropagatedEnv(baseEnv []string, process string) []string {
	logPath := Path()
	if logPath == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, logPath)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, msg, 2)
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.write(component, fmt.Sprintf(format, args...), 2)
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("rpc", "call settled", "id", 5, "method", "session/prompt")
func LogKV(component, msg string, kvs ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}

	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String(), 2)
}

// write formats and appends a single log line.
func (l *Logger) write(component, msg string, callerSkip int) {
	now := time.Now()
	elapsed := now.Sub(l.startedAt)

	gid := goroutineID()

	_, file, lineNo, ok := runtime.Caller(callerSkip)
	caller := "??:0"
	if ok {
		for _, marker := range []string{"/internal/", "/pkg/"} {
			if idx := strings.LastIndex(file, marker); idx >= 0 {
				file = file[idx+1:]
				break
			}
		}
		caller = fmt.Sprintf("%s:%d", file, lineNo)
	}

	// TIMESTAMP +ELAPSED [PID] [PROCESS] [GID] [COMPONENT] CALLER | MESSAGE
	line := fmt.Sprintf("%s +%12s [P%-6d] [%-18s] [G%-6d] [%-10s] %-38s | %s\n",
		now.Format("15:04:05.000000000"),
		elapsed.Truncate(time.Microsecond),
		l.pid,
		l.process,
		gid,
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	l.file.WriteString(line)
	l.mu.Unlock()
}

func resolveLogPath() (string, bool, error) {
	inheritedPath := strings.TrimSpace(os.Getenv(EnvLogPath))
	if inheritedPath != "" {
		dir := filepath.Dir(inheritedPath)
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", true, fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return inheritedPath, true, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("debug: user home dir: %w", err)
	}

	dir := filepath.Join(home, ".taskloop", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, fmt.Errorf("debug: create dir %s: %w", dir, err)
	}

	filename := fmt.Sprintf("taskloop-%s-%s.log", time.Now().Format("20060102-150405"), hexid.New())
	return filepath.Join(dir, filename), false, nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for i := 1; i < len(os.Args); i++ {
		arg := strings.TrimSpace(os.Args[i])
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	replace := prefix + value
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = replace
			return env
		}
	}
	return append(env, replace)
}

// goroutineID extracts the goroutine ID from runtime.Stack output.
// Only called in debug mode where the stack dump cost is acceptable.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := string(buf[:n])
	// Format: "goroutine 123 [..."
	if !strings.HasPrefix(s, "goroutine ") {
		return 0
	}
	s = s[len("goroutine "):]
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
