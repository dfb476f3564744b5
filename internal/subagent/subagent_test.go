package subagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
)

// writeScript drops an executable mock adapter under dir.
func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// fullMockAgent answers handshake, session setup and one prompt turn,
// streaming a single message chunk first. The prompt request line is
// recorded to $PROMPTFILE so tests can check what the agent was told.
const fullMockAgent = `#!/usr/bin/env sh
echo $$ > "$PIDFILE"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentCapabilities":{"loadSession":false}}}\n' "$id"
    ;;
  *'"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"mock-sess"}}\n' "$id"
    ;;
  *'"session/prompt"'*)
    printf '%s\n' "$line" > "$PROMPTFILE"
    printf '{"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"mock-sess","update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"on it"}}}}\n'
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id"
    ;;
  esac
done
`

// stallingMockAgent completes the handshake and session setup but
// never answers the prompt.
const stallingMockAgent = `#!/usr/bin/env sh
echo $$ > "$PIDFILE"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentCapabilities":{}}}\n' "$id"
    ;;
  *'"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"mock-sess"}}\n' "$id"
    ;;
  esac
done
`

// refusingMockAgent ends the prompt turn with a non-success stop
// reason.
const refusingMockAgent = `#!/usr/bin/env sh
echo $$ > "$PIDFILE"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentCapabilities":{}}}\n' "$id"
    ;;
  *'"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"mock-sess"}}\n' "$id"
    ;;
  *'"session/prompt"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"refusal"}}\n' "$id"
    ;;
  esac
done
`

// permissionMockAgent asks to run a destructive command mid-prompt,
// records the decision line to $DECISIONFILE, then finishes the turn.
const permissionMockAgent = `#!/usr/bin/env sh
echo $$ > "$PIDFILE"
while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
  *'"initialize"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":1,"agentCapabilities":{}}}\n' "$id"
    ;;
  *'"session/new"'*)
    printf '{"jsonrpc":"2.0","id":%s,"result":{"sessionId":"mock-sess"}}\n' "$id"
    ;;
  *'"session/prompt"'*)
    printf '{"jsonrpc":"2.0","id":99,"method":"session/request_permission","params":{"sessionId":"mock-sess","toolCall":{"toolCallId":"tc-1","title":"Run command","kind":"execute","rawInput":{"command":"rm -rf build"}},"options":[{"optionId":"ok","name":"Allow","kind":"allow_once"},{"optionId":"no","name":"Reject","kind":"reject_once"}]}}\n'
    IFS= read -r decision
    printf '%s\n' "$decision" > "$DECISIONFILE"
    printf '{"jsonrpc":"2.0","id":%s,"result":{"stopReason":"end_turn"}}\n' "$id"
    ;;
  esac
done
`

func readPidFile(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := os.ReadFile(path)
		if err == nil {
			if pid, perr := strconv.Atoi(strings.TrimSpace(string(b))); perr == nil && pid > 0 {
				return pid
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pid file never appeared")
	return 0
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func mockRegistry(script string, env map[string]string) *agent.Registry {
	reg := agent.NewRegistry(nil)
	reg.Register("mock", agent.Descriptor{Command: script, Env: env})
	return reg
}

func TestRunSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper not supported on windows")
	}
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "agent.pid")
	promptFile := filepath.Join(tmp, "prompt.json")
	script := writeScript(t, tmp, "mock-agent.sh", fullMockAgent)
	reg := mockRegistry(script, map[string]string{"PIDFILE": pidFile, "PROMPTFILE": promptFile})

	var texts []string
	res := Run(context.Background(), reg,
		Context{
			TaskRef:    "105-1",
			TaskDetail: json.RawMessage(`{"title":"flaky watcher test"}`),
			Branch:     "taskloop/105-1",
			Objective:  "Review the watcher changes for races.",
		},
		Config{Adapter: "mock", WorkDir: tmp, Timeout: 30 * time.Second},
		Options{OnUpdate: func(u agent.SessionUpdate) {
			if u.Kind == agent.UpdateAgentMessageChunk {
				texts = append(texts, u.Text)
			}
		}})

	if res.Err != nil {
		t.Fatalf("Run() error = %v", res.Err)
	}
	if !res.Success || res.TimedOut {
		t.Fatalf("Run() = %+v, want success", res)
	}
	if len(texts) != 1 || texts[0] != "on it" {
		t.Errorf("streamed texts = %v", texts)
	}

	b, err := os.ReadFile(promptFile)
	if err != nil {
		t.Fatalf("prompt not recorded: %v", err)
	}
	sent := string(b)
	for _, want := range []string{"Review the watcher changes for races.", "@105-1", "taskloop/105-1", "flaky watcher test"} {
		if !strings.Contains(sent, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	pid := readPidFile(t, pidFile)
	if processAlive(pid) {
		t.Error("agent still running after Run returned")
	}
}

func TestRunTimeoutKillsAgent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper not supported on windows")
	}
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "agent.pid")
	script := writeScript(t, tmp, "stalling-agent.sh", stallingMockAgent)
	reg := mockRegistry(script, map[string]string{"PIDFILE": pidFile})

	start := time.Now()
	res := Run(context.Background(), reg,
		Context{TaskRef: "7-1", Objective: "Never finishes."},
		Config{Adapter: "mock", WorkDir: tmp, Timeout: 50 * time.Millisecond},
		Options{})
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Fatalf("Run() = %+v, want timed out", res)
	}
	if res.Success {
		t.Error("timed-out run reported success")
	}
	if res.Err != nil {
		t.Errorf("timed-out run carries error %v, want nil", res.Err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Run took %v, should return promptly after the timeout", elapsed)
	}

	pid := readPidFile(t, pidFile)
	if processAlive(pid) {
		t.Error("agent leaked after timeout")
	}
}

func TestRunEarlyStopReason(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper not supported on windows")
	}
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "agent.pid")
	script := writeScript(t, tmp, "refusing-agent.sh", refusingMockAgent)
	reg := mockRegistry(script, map[string]string{"PIDFILE": pidFile})

	res := Run(context.Background(), reg,
		Context{TaskRef: "7-2", Objective: "Be refused."},
		Config{Adapter: "mock", WorkDir: tmp, Timeout: 30 * time.Second},
		Options{})

	if res.Success || res.TimedOut {
		t.Fatalf("Run() = %+v, want plain failure", res)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "refusal") {
		t.Errorf("Err = %v, want stop reason surfaced", res.Err)
	}

	pid := readPidFile(t, pidFile)
	if processAlive(pid) {
		t.Error("agent still running after early stop")
	}
}

func TestRunReadOnlyBlocksWrites(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script helper not supported on windows")
	}
	tmp := t.TempDir()
	pidFile := filepath.Join(tmp, "agent.pid")
	decisionFile := filepath.Join(tmp, "decision.json")
	script := writeScript(t, tmp, "permission-agent.sh", permissionMockAgent)
	reg := mockRegistry(script, map[string]string{"PIDFILE": pidFile, "DECISIONFILE": decisionFile})

	res := Run(context.Background(), reg,
		Context{TaskRef: "7-3", Objective: "Inspect only."},
		Config{Adapter: "mock", WorkDir: tmp, Timeout: 30 * time.Second},
		Options{ReadOnly: true})

	if res.Err != nil || !res.Success {
		t.Fatalf("Run() = %+v, want success", res)
	}
	if len(res.BlockedWrites) != 1 || res.BlockedWrites[0] != "execute(rm ): Run command" {
		t.Errorf("BlockedWrites = %v", res.BlockedWrites)
	}

	b, err := os.ReadFile(decisionFile)
	if err != nil {
		t.Fatalf("decision not recorded: %v", err)
	}
	decision := string(b)
	if !strings.Contains(decision, `"selected"`) || !strings.Contains(decision, `"no"`) {
		t.Errorf("decision = %s, want the reject option picked", decision)
	}
}

func TestRunStrictResolveFailure(t *testing.T) {
	reg := agent.NewRegistry(&config.GlobalConfig{StrictAdapters: true})

	res := Run(context.Background(), reg,
		Context{TaskRef: "7-4", Objective: "Nothing."},
		Config{Adapter: "ghost-adapter", WorkDir: t.TempDir()},
		Options{})

	if res.Success || res.TimedOut {
		t.Fatalf("Run() = %+v, want resolve failure", res)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "unknown adapter") {
		t.Errorf("Err = %v", res.Err)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	reg := agent.NewRegistry(nil)
	reg.Register("missing", agent.Descriptor{Command: "/nonexistent/definitely-missing-binary"})

	res := Run(context.Background(), reg,
		Context{TaskRef: "7-5", Objective: "Nothing."},
		Config{Adapter: "missing", WorkDir: t.TempDir(), Timeout: time.Second},
		Options{})

	if res.Success {
		t.Fatal("spawn failure reported success")
	}
	if res.TimedOut {
		t.Error("launch failure misread as timeout")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "spawn") {
		t.Errorf("Err = %v", res.Err)
	}
}
