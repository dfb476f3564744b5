// Package events defines the message types flowing from a loop run to
// its consumers: the foreground CLI, the session daemon's broadcast,
// and the watch TUI. Every type doubles as a bubbletea Msg.
package events

import (
	"time"

	"github.com/taskloop/taskloop/internal/agent"
)

// IterationStartedMsg signals that the loop picked a task and is about
// to run an agent over it.
type IterationStartedMsg struct {
	Iteration     int
	MaxIterations int
	TaskRef       string
	TaskTitle     string
	TraceID       string
}

// AgentUpdateMsg wraps one session update streamed by the agent.
type AgentUpdateMsg struct {
	Iteration int
	Update    agent.SessionUpdate
}

// PromptDoneMsg signals that one prompt exchange finished.
type PromptDoneMsg struct {
	Iteration  int
	StopReason string
	Elapsed    time.Duration
	Err        error
}

// FailureRecordedMsg signals a failure note written to a task.
type FailureRecordedMsg struct {
	TaskRef string
	Count   int
	Note    string
}

// TaskEscalatedMsg signals that a task hit the failure threshold and
// was moved to pending_review.
type TaskEscalatedMsg struct {
	TaskRef string
	Count   int
}

// IterationDoneMsg signals that one full iteration (prompt plus
// failure bookkeeping) completed.
type IterationDoneMsg struct {
	Iteration int
	Failed    bool
}

// LoopDoneMsg signals that the whole run finished.
type LoopDoneMsg struct {
	Iterations int
	Reason     string // "completed", "max_iterations", "cancelled", "error"
	Err        error
}

// SessionSnapshotMsg carries session identity and current run
// position, sent to a client on attach before replayed history. Fields
// are flattened so this package stays independent of the session
// store.
type SessionSnapshotMsg struct {
	SessionID string
	AgentType string
	Status    string
	StartedAt time.Time
	Iteration int
	TaskRef   string
}

// SessionLiveMsg marks the end of replay: everything after it is live.
type SessionLiveMsg struct{}
