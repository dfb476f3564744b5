// Package failedcmd persists forensic records for two failure
// families: CLI invocations that died on argument parsing, and adapter
// processes that failed to launch or handshake. Records land as
// individual JSON files under ~/.taskloop/failed so a later `taskloop`
// run (or a human) can inspect what went wrong without scrollback.
package failedcmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/hexid"
)

const (
	defaultDirName = "failed"
	schemaVersion  = 1
)

// Kind identifies the reason category for a failure record.
type Kind string

const (
	KindUnknownCommand   Kind = "unknown_command"
	KindInvalidArguments Kind = "invalid_arguments"
	KindSpawnFailure     Kind = "spawn_failure"
)

// Recorder writes failure records to disk.
type Recorder struct {
	dir string
}

// Record captures one failure with enough runtime context to
// reconstruct the attempt.
type Record struct {
	Version    int       `json:"version"`
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`

	Kind  Kind   `json:"kind"`
	Error string `json:"error"`

	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
	Command    string   `json:"command"`

	WorkingDir string `json:"working_dir,omitempty"`

	// Spawn failures only.
	Adapter    string `json:"adapter,omitempty"`
	Stage      string `json:"stage,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`

	Context map[string]string `json:"context,omitempty"`
}

// Default returns a recorder rooted at ~/.taskloop/failed.
func Default() *Recorder {
	return &Recorder{dir: filepath.Join(config.Dir(), defaultDirName)}
}

// New returns a recorder rooted at dir.
func New(dir string) *Recorder {
	return &Recorder{dir: strings.TrimSpace(dir)}
}

// Dir returns the configured output directory.
func (r *Recorder) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// Record classifies err and, when relevant, writes one JSON record to
// disk. Returns (nil, "", nil) when err is not a tracked failure class.
func (r *Recorder) Record(err error, argv []string) (*Record, string, error) {
	kind, ok := Classify(err)
	if !ok {
		return nil, "", nil
	}

	rec := buildRecord(kind, err, argv)
	path, writeErr := r.write(rec)
	if writeErr != nil {
		return nil, "", writeErr
	}
	return rec, path, nil
}

// RecordSpawn writes a forensic record for a failed adapter launch.
// Any *agent.SpawnError in err's chain contributes its stage and
// stderr tail. Returns the written path.
func (r *Recorder) RecordSpawn(adapterID string, d agent.Descriptor, spawnErr error) (*Record, string, error) {
	if spawnErr == nil {
		return nil, "", nil
	}

	argv := append([]string{d.Command}, d.Args...)
	rec := buildRecord(KindSpawnFailure, spawnErr, argv)
	rec.Adapter = adapterID

	var se *agent.SpawnError
	if errors.As(spawnErr, &se) {
		rec.Stage = se.Stage
		rec.StderrTail = tail(se.Stderr, 4096)
	}

	path, writeErr := r.write(rec)
	if writeErr != nil {
		return nil, "", writeErr
	}
	return rec, path, nil
}

// RecordSpawn persists a spawn failure via the default recorder.
func RecordSpawn(adapterID string, d agent.Descriptor, spawnErr error) (string, error) {
	_, path, err := Default().RecordSpawn(adapterID, d, spawnErr)
	return path, err
}

// Classify reports whether err is an unknown command or
// invalid-argument failure.
func Classify(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, pflag.ErrHelp) {
		return "", false
	}

	var notExistErr *pflag.NotExistError
	if errors.As(err, &notExistErr) {
		return KindInvalidArguments, true
	}
	var valueRequiredErr *pflag.ValueRequiredError
	if errors.As(err, &valueRequiredErr) {
		return KindInvalidArguments, true
	}
	var invalidValueErr *pflag.InvalidValueError
	if errors.As(err, &invalidValueErr) {
		return KindInvalidArguments, true
	}
	var invalidSyntaxErr *pflag.InvalidSyntaxError
	if errors.As(err, &invalidSyntaxErr) {
		return KindInvalidArguments, true
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if msg == "" {
		return "", false
	}

	if strings.Contains(msg, "unknown command ") && strings.Contains(msg, ` for "taskloop`) {
		return KindUnknownCommand, true
	}
	if isInvalidArgumentMessage(msg) {
		return KindInvalidArguments, true
	}

	return "", false
}

func isInvalidArgumentMessage(msg string) bool {
	// Cobra/pflag messages.
	if strings.Contains(msg, "unknown flag:") ||
		strings.Contains(msg, "unknown shorthand flag:") ||
		strings.Contains(msg, "flag needs an argument:") ||
		strings.Contains(msg, "invalid argument ") ||
		strings.Contains(msg, "bad flag syntax:") ||
		strings.Contains(msg, "required flag(s)") ||
		strings.Contains(msg, "no such flag -") ||
		strings.Contains(msg, "at least one of the flags in the group [") ||
		strings.Contains(msg, "if any flags in the group [") {
		return true
	}

	if strings.Contains(msg, "arg(s), received") &&
		(strings.Contains(msg, "accepts ") || strings.Contains(msg, "requires at least ")) {
		return true
	}

	// Command-level validation styles used across the CLI.
	if strings.HasPrefix(msg, "--") {
		if strings.Contains(msg, " is required") ||
			strings.Contains(msg, " are required") ||
			strings.Contains(msg, " must be") ||
			strings.Contains(msg, " cannot be") ||
			strings.Contains(msg, "cannot be combined") ||
			strings.Contains(msg, "mutually exclusive") ||
			strings.Contains(msg, "invalid --") {
			return true
		}
	}

	if strings.HasPrefix(msg, "invalid ") {
		if strings.Contains(msg, "must be a number") ||
			strings.Contains(msg, "(valid:") {
			return true
		}
	}

	return false
}

func buildRecord(kind Kind, err error, argv []string) *Record {
	now := time.Now().UTC()
	if len(argv) == 0 {
		argv = append([]string(nil), os.Args...)
	} else {
		argv = append([]string(nil), argv...)
	}

	rec := &Record{
		Version:    schemaVersion,
		ID:         fmt.Sprintf("%s-%s", now.Format("20060102T150405.000000000Z"), hexid.New()),
		RecordedAt: now,
		Kind:       kind,
		Error:      strings.TrimSpace(err.Error()),

		Executable: firstArg(argv),
		Args:       argsWithoutExecutable(argv),
		Command:    formatCommand(argv),

		Context: collectTaskloopEnv(),
	}

	if cwd, cwdErr := os.Getwd(); cwdErr == nil {
		rec.WorkingDir = cwd
	}

	return rec
}

func (r *Recorder) write(rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("failure record is nil")
	}
	if r == nil || strings.TrimSpace(r.dir) == "" {
		return "", fmt.Errorf("failure record output dir is empty")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating failure record dir: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%s.json",
		rec.RecordedAt.UTC().Format("20060102T150405.000000000Z"),
		os.Getpid(),
		hexid.New(),
	)
	path := filepath.Join(r.dir, name)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding failure record: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing failure temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replacing failure record: %w", err)
	}

	return path, nil
}

func collectTaskloopEnv() map[string]string {
	ctx := make(map[string]string)
	for _, pair := range os.Environ() {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(key, "TASKLOOP_") {
			continue
		}
		ctx[key] = value
	}
	if len(ctx) == 0 {
		return nil
	}
	return ctx
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

func argsWithoutExecutable(argv []string) []string {
	if len(argv) <= 1 {
		return nil
	}
	return append([]string(nil), argv[1:]...)
}

func formatCommand(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		parts = append(parts, quoteShellArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteShellArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if strings.ContainsAny(arg, " \t\n\"'\\$") {
		return strconv.Quote(arg)
	}
	return arg
}
