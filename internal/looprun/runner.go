// Package looprun launches the iteration engine in the background and
// bridges its callbacks onto one event channel shared by the
// foreground renderer, the watch TUI and the session daemon.
package looprun

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/eventq"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/failtrack"
	"github.com/taskloop/taskloop/internal/loop"
	"github.com/taskloop/taskloop/internal/pushover"
	"github.com/taskloop/taskloop/internal/taskstore"
)

// eventBuffer sizes the bridge channel. Lifecycle events block on a
// full buffer; per-chunk agent updates are dropped instead.
const eventBuffer = 256

// RunConfig holds everything needed to launch a loop run.
type RunConfig struct {
	Store    *taskstore.Store
	Registry *agent.Registry
	Global   *config.GlobalConfig
	Project  *taskstore.ProjectConfig

	SessionsDir string
	WorkDir     string
	Branch      string

	// AgentID selects the adapter; empty means the default.
	AgentID string
	// TaskRef pins the run to one task; empty lets the engine pick.
	TaskRef       string
	MaxIterations int
	// SessionID adopts a session created by the caller, so the caller
	// can announce the attach id before the run starts.
	SessionID string

	// runPrompt passes through to the engine's RunPrompt seam.
	runPrompt func(ctx context.Context, it loop.Iteration, text string) loop.Outcome
}

// Handle is a running loop. Events delivers bus messages until the run
// finishes; LoopDoneMsg is always the final message before close. The
// caller must drain Events.
type Handle struct {
	Events <-chan any

	events  chan any
	cancel  context.CancelFunc
	done    chan struct{}
	summary loop.Summary
	dropped atomic.Uint64
}

// Start launches the run in a goroutine and returns its handle.
func Start(cfg RunConfig) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		events: make(chan any, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.Events = h.events

	l := &loop.Loop{
		Store:         cfg.Store,
		Registry:      cfg.Registry,
		Project:       cfg.Project,
		SessionsDir:   cfg.SessionsDir,
		AgentID:       cfg.AgentID,
		TaskRef:       cfg.TaskRef,
		Branch:        cfg.Branch,
		WorkDir:       cfg.WorkDir,
		MaxIterations: cfg.MaxIterations,
		SessionID:     cfg.SessionID,
		RunPrompt:     cfg.runPrompt,

		OnIterationStart: func(it loop.Iteration) {
			h.events <- events.IterationStartedMsg{
				Iteration:     it.N,
				MaxIterations: cfg.MaxIterations,
				TaskRef:       it.TaskRef,
				TaskTitle:     it.TaskTitle,
				TraceID:       it.TraceID,
			}
		},
		OnUpdate: func(it loop.Iteration, u agent.SessionUpdate) {
			if eventq.Offer(h.events, any(events.AgentUpdateMsg{Iteration: it.N, Update: u})) {
				return
			}
			dropped := h.dropped.Add(1)
			if dropped == 1 || dropped%100 == 0 {
				debug.LogKV("looprun", "dropping agent updates due to backpressure", "dropped", dropped)
			}
		},
		OnIterationEnd: func(it loop.Iteration, out loop.Outcome) {
			h.events <- events.PromptDoneMsg{
				Iteration:  it.N,
				StopReason: out.StopReason,
				Elapsed:    out.Elapsed,
				Err:        out.Err,
			}
			for _, d := range out.Decisions {
				h.events <- events.FailureRecordedMsg{TaskRef: d.TaskRef, Count: d.Count, Note: d.Note}
				if d.Escalate {
					h.events <- events.TaskEscalatedMsg{TaskRef: d.TaskRef, Count: d.Count}
					notifyEscalation(cfg.Global, d)
				}
			}
			h.events <- events.IterationDoneMsg{Iteration: it.N, Failed: out.Failed}
		},
	}

	go func() {
		defer close(h.done)
		sum := l.Run(ctx)
		h.summary = sum
		h.events <- events.LoopDoneMsg{Iterations: sum.Iterations, Reason: sum.Reason, Err: sum.Err}
		close(h.events)
		notifyRunDone(cfg.Global, sum)
	}()
	return h
}

// Cancel asks the run to stop; the current iteration finishes its
// bookkeeping first.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the run finishes and returns its summary. The
// events channel is closed by then.
func (h *Handle) Wait() loop.Summary {
	<-h.done
	return h.summary
}

// Dropped reports how many agent updates were discarded because the
// events channel was full.
func (h *Handle) Dropped() uint64 {
	return h.dropped.Load()
}

// notifyEscalation fires an async push when the user opted in.
func notifyEscalation(global *config.GlobalConfig, d failtrack.Decision) {
	if global == nil || !global.NotifyOnEscalation || !global.PushoverConfigured() {
		return
	}
	go func() {
		err := pushover.Send(&global.Pushover, pushover.Message{
			Title:    "taskloop: task escalated",
			Body:     fmt.Sprintf("Task @%s needs review after %d failed iterations.", d.TaskRef, d.Count),
			Priority: pushover.PriorityHigh,
		})
		if err != nil {
			debug.LogKV("looprun", "pushover send failed", "task", d.TaskRef, "error", err)
		}
	}()
}

// notifyRunDone pushes a run summary, except for user-initiated
// cancellation.
func notifyRunDone(global *config.GlobalConfig, sum loop.Summary) {
	if global == nil || !global.NotifyOnEscalation || !global.PushoverConfigured() {
		return
	}
	if sum.Reason == loop.ReasonCancelled {
		return
	}
	body := fmt.Sprintf("Run finished (%s) after %d iterations.", sum.Reason, sum.Iterations)
	if sum.Err != nil {
		body = fmt.Sprintf("Run failed after %d iterations: %v", sum.Iterations, sum.Err)
	}
	go func() {
		err := pushover.Send(&global.Pushover, pushover.Message{
			Title:    "taskloop: run finished",
			Body:     body,
			Priority: pushover.PriorityNormal,
		})
		if err != nil {
			debug.LogKV("looprun", "pushover send failed", "session", sum.SessionID, "error", err)
		}
	}()
}
