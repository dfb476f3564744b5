// Package subagent runs one dedicated short-lived agent for a single
// bounded task.
//
// The supervisor spawns a fresh adapter process, opens one session,
// sends one prompt and races its completion against a hard timeout.
// Whichever side wins the race, the spawned process is terminated
// before Run returns; that cleanup guarantee is the component's core
// contract. Runs are strictly sequential: a subagent never overlaps
// another subagent or the primary loop's own agent session.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/guardrail"
	"github.com/taskloop/taskloop/internal/prompt"
)

// DefaultTimeout bounds a subagent run when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Minute

// Context is the structured material the subagent prompt is built
// from: one bounded objective plus the task/spec payloads behind it.
type Context struct {
	TaskRef    string
	TaskDetail json.RawMessage
	Spec       json.RawMessage
	Branch     string
	Objective  string
}

// Config selects and bounds the spawned agent.
type Config struct {
	// Adapter is the adapter id to spawn. Empty uses the default.
	Adapter string
	// WorkDir is the agent's working directory.
	WorkDir string
	// Timeout bounds the whole run. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Options are the caller-supplied handlers for a run.
type Options struct {
	// OnUpdate receives session updates for rendering. It is called
	// from the supervisor's pump goroutine and stops before Run
	// returns. Optional.
	OnUpdate func(agent.SessionUpdate)
	// OnToolRequest decides permission requests. Nil allows
	// everything.
	OnToolRequest agent.ToolHandler
	// ReadOnly rejects write-class tool requests before OnToolRequest
	// sees them.
	ReadOnly bool
}

// Result reports how the run ended: exactly one of Success, TimedOut
// or Err describes the outcome.
type Result struct {
	Success  bool
	TimedOut bool
	Err      error
	// BlockedWrites lists write-class tool requests rejected by the
	// read-only policy, in order.
	BlockedWrites []string
}

// Run executes one supervised subagent to completion.
func Run(ctx context.Context, reg *agent.Registry, sc Context, cfg Config, opts Options) Result {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id, desc, err := reg.Resolve(cfg.Adapter)
	if err != nil {
		return Result{Err: fmt.Errorf("subagent: resolve adapter: %w", err)}
	}

	handler := opts.OnToolRequest
	var mon *guardrail.Monitor
	if opts.ReadOnly {
		mon = guardrail.NewMonitor()
		handler = mon.Handler(handler)
	}

	done := func(r Result) Result {
		if mon != nil {
			r.BlockedWrites = mon.Blocked()
		}
		debug.LogKV("subagent", "run finished", "adapter", id, "task", sc.TaskRef,
			"success", r.Success, "timedout", r.TimedOut, "err", r.Err, "blocked", len(r.BlockedWrites))
		return r
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	debug.LogKV("subagent", "run starting", "adapter", id, "task", sc.TaskRef,
		"timeout", timeout, "readonly", opts.ReadOnly)

	h, err := agent.Spawn(runCtx, id, desc, agent.SpawnOptions{
		Dir:    cfg.WorkDir,
		Env:    map[string]string{"TASKLOOP_AGENT": "1"},
		Client: agent.ClientOptions{OnToolRequest: handler},
	})
	if err != nil {
		return done(classify(err, "spawn"))
	}

	updatesDone := make(chan struct{})
	go func() {
		defer close(updatesDone)
		for u := range h.Client.Updates() {
			if opts.OnUpdate != nil {
				opts.OnUpdate(u)
			}
		}
	}()
	defer func() {
		h.Kill()
		<-updatesDone
	}()

	sid, err := h.Client.NewSession(runCtx, cfg.WorkDir)
	if err != nil {
		return done(classify(err, "session"))
	}

	text := prompt.BuildSubagent(prompt.SubagentInput{
		TaskRef:    sc.TaskRef,
		TaskDetail: sc.TaskDetail,
		Spec:       sc.Spec,
		Branch:     sc.Branch,
		Objective:  sc.Objective,
		ReadOnly:   opts.ReadOnly,
	})

	res, err := h.Client.Prompt(runCtx, sid, text)
	if err != nil {
		return done(classify(err, "prompt"))
	}
	if !res.Success() {
		return done(Result{Err: fmt.Errorf("subagent: agent stopped early: %s", res.StopReason)})
	}
	return done(Result{Success: true})
}

// classify separates losing the timeout race from every other failure.
func classify(err error, stage string) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{TimedOut: true}
	}
	return Result{Err: fmt.Errorf("subagent: %s: %w", stage, err)}
}
