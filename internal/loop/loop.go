// Package loop is the autonomous iteration engine: pick a task, run
// one agent session over it, record everything to the session event
// log, react to failures, repeat until there is nothing left to do.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/failedcmd"
	"github.com/taskloop/taskloop/internal/failtrack"
	"github.com/taskloop/taskloop/internal/hexid"
	"github.com/taskloop/taskloop/internal/prompt"
	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/taskstore"
)

// Reasons a run stops, reported in Summary.Reason.
const (
	ReasonCompleted     = "completed"
	ReasonMaxIterations = "max_iterations"
	ReasonCancelled     = "cancelled"
	ReasonError         = "error"
)

// noteAuthor marks notes the loop writes itself.
const noteAuthor = "loop"

// Iteration identifies one pass of the engine.
type Iteration struct {
	N         int
	TaskRef   string
	TaskTitle string
	TraceID   string
}

// Outcome summarizes one iteration: the prompt exchange plus the
// failure bookkeeping that followed it.
type Outcome struct {
	StopReason string
	Elapsed    time.Duration
	Err        error
	Failed     bool
	// Decisions holds the failure verdicts applied this iteration.
	Decisions []failtrack.Decision
}

// Summary reports how the whole run ended.
type Summary struct {
	SessionID  string
	Iterations int
	Reason     string
	Err        error
}

// Loop runs the engine. Set the exported fields before calling Run;
// Run must be called at most once per Loop value.
type Loop struct {
	Store       *taskstore.Store
	Registry    *agent.Registry
	Project     *taskstore.ProjectConfig
	SessionsDir string

	// AgentID selects the adapter; empty means the default.
	AgentID string
	// TaskRef pins the run to one task. Empty lets the engine pick:
	// first in_progress task, else first pending.
	TaskRef string
	// Branch is contextual only; it is passed into prompts verbatim.
	Branch  string
	WorkDir string
	// MaxIterations caps the run; 0 means no cap.
	MaxIterations int
	// SessionID adopts an existing session (detached runs create the
	// session before handing off to the daemon). Empty creates one.
	SessionID string

	OnIterationStart func(Iteration)
	OnUpdate         func(Iteration, agent.SessionUpdate)
	OnIterationEnd   func(Iteration, Outcome)
	OnDone           func(Summary)

	// RunPrompt, if set, replaces the real iteration body (spawn,
	// session, prompt, teardown) for every iteration.
	RunPrompt func(ctx context.Context, it Iteration, text string) Outcome

	meta *session.Meta
	evMu sync.Mutex
}

// Run executes iterations until done, cancelled, or the cap is hit.
// The returned Summary is also delivered to OnDone.
func (l *Loop) Run(ctx context.Context) Summary {
	runPrompt := l.RunPrompt
	if runPrompt == nil {
		runPrompt = l.runAgentIteration
	}

	agentID, _, err := l.Registry.Resolve(l.AgentID)
	if err != nil {
		return l.finish(Summary{Reason: ReasonError, Err: fmt.Errorf("loop: %w", err)})
	}

	meta, err := l.openSession(agentID)
	if err != nil {
		return l.finish(Summary{Reason: ReasonError, Err: err})
	}
	l.meta = meta

	debug.LogKV("loop", "run starting",
		"session", meta.ID, "agent", agentID, "task", l.TaskRef,
		"max_iterations", l.MaxIterations, "workdir", l.WorkDir)

	l.append(session.TypeSessionStarted, "", sessionStartedData{
		Agent:         agentID,
		MaxIterations: l.MaxIterations,
		TaskRef:       l.TaskRef,
	})

	iterations := 0
	for {
		if l.MaxIterations > 0 && iterations >= l.MaxIterations {
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonMaxIterations})
		}
		if ctx.Err() != nil {
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonCancelled, Err: ctx.Err()})
		}

		task, err := l.pickTask()
		if err != nil {
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonError,
				Err: fmt.Errorf("loop: picking task: %w", err)})
		}
		if task == nil {
			debug.LogKV("loop", "no workable task; run complete", "iterations", iterations)
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonCompleted})
		}

		iterations++
		it := Iteration{N: iterations, TaskRef: task.Ref, TaskTitle: task.Title, TraceID: hexid.Trace(iterations)}
		iterationStart := time.Now()

		inProgress, err := l.Store.ListTasks(taskstore.StatusInProgress)
		if err != nil {
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonError,
				Err: fmt.Errorf("loop: listing tasks: %w", err)})
		}

		debug.LogKV("loop", "iteration starting",
			"iteration", it.N, "task", it.TaskRef, "trace", it.TraceID)
		l.append(session.TypeIterationStarted, it.TraceID, iterationData{
			Iteration: it.N, TaskRef: it.TaskRef, TaskTitle: it.TaskTitle,
		})
		if l.OnIterationStart != nil {
			l.OnIterationStart(it)
		}

		text := l.buildPrompt(task, it.N)
		l.append(session.TypePromptSent, it.TraceID, promptSentData{TaskRef: it.TaskRef, Chars: len(text)})
		l.writeSnapshot(it, task, text)

		out := runPrompt(ctx, it, text)

		l.append(session.TypePromptCompleted, it.TraceID, promptDoneData{
			StopReason: out.StopReason,
			DurationMS: out.Elapsed.Milliseconds(),
			Error:      errText(out.Err),
		})
		debug.LogKV("loop", "prompt finished",
			"iteration", it.N, "stop_reason", out.StopReason,
			"elapsed", out.Elapsed, "error", out.Err)

		res := failtrack.IterationResult{
			Success:    out.Err == nil && out.StopReason == agent.StopEndTurn,
			StopReason: out.StopReason,
			Err:        out.Err,
		}
		out.Failed = failtrack.IsIterationFailure(res)

		// A cancelled run stops here without blaming the task.
		if out.Failed && ctx.Err() == nil {
			out.Decisions = l.recordFailures(it, inProgress, iterationStart, res)
		}

		l.append(session.TypeIterationCompleted, it.TraceID, iterationDoneData{Iteration: it.N, Failed: out.Failed})
		if l.OnIterationEnd != nil {
			l.OnIterationEnd(it, out)
		}

		if ctx.Err() != nil {
			return l.finish(Summary{SessionID: meta.ID, Iterations: iterations, Reason: ReasonCancelled, Err: ctx.Err()})
		}
	}
}

// Meta returns the session metadata once Run has opened it.
func (l *Loop) Meta() *session.Meta {
	return l.meta
}

func (l *Loop) openSession(agentID string) (*session.Meta, error) {
	if l.SessionID != "" {
		meta, err := session.Load(l.SessionsDir, l.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loop: adopting session: %w", err)
		}
		return meta, nil
	}
	meta, err := session.Create(l.SessionsDir, session.CreateInput{TaskID: l.TaskRef, AgentType: agentID})
	if err != nil {
		return nil, fmt.Errorf("loop: creating session: %w", err)
	}
	return meta, nil
}

// pickTask returns the task this iteration works on, moving a pending
// pick to in_progress. Nil with no error means the run is done.
func (l *Loop) pickTask() (*taskstore.Task, error) {
	if l.TaskRef != "" {
		t, err := l.Store.GetTask(l.TaskRef)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case taskstore.StatusInProgress:
			return t, nil
		case taskstore.StatusPending:
			if err := l.Store.SetStatus(t.Ref, taskstore.StatusInProgress); err != nil {
				return nil, err
			}
			return l.Store.GetTask(t.Ref)
		default:
			debug.LogKV("loop", "pinned task left the workable set", "task", t.Ref, "status", t.Status)
			return nil, nil
		}
	}

	active, err := l.Store.ListTasks(taskstore.StatusInProgress)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return &active[0], nil
	}

	pending, err := l.Store.ListTasks(taskstore.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if err := l.Store.SetStatus(pending[0].Ref, taskstore.StatusInProgress); err != nil {
		return nil, err
	}
	return l.Store.GetTask(pending[0].Ref)
}

func (l *Loop) buildPrompt(task *taskstore.Task, iteration int) string {
	var spec *taskstore.Spec
	if task.SpecRef != "" {
		if s, err := l.Store.GetSpec(task.SpecRef); err == nil {
			spec = s
		} else {
			debug.LogKV("loop", "spec lookup failed", "task", task.Ref, "spec", task.SpecRef, "error", err)
		}
	}
	return prompt.Build(prompt.BuildOpts{
		Project:       l.Project,
		Task:          task,
		Spec:          spec,
		Branch:        l.Branch,
		Iteration:     iteration,
		MaxIterations: l.MaxIterations,
	})
}

// writeSnapshot stores the iteration's assembled context next to the
// event log. Snapshots are diagnostic only; a failed write is logged
// and the iteration proceeds.
func (l *Loop) writeSnapshot(it Iteration, task *taskstore.Task, text string) {
	snap := contextSnapshotData{
		Iteration:  it.N,
		Trace:      it.TraceID,
		TaskRef:    it.TaskRef,
		TaskTitle:  it.TaskTitle,
		TaskStatus: task.Status,
		Prompt:     text,
	}
	if _, err := session.WriteSnapshot(l.SessionsDir, l.meta.ID, it.N, snap); err != nil {
		debug.LogKV("loop", "snapshot write failed", "iteration", it.N, "error", err)
	}
}

// recordFailures writes failure notes and escalates per the tracker's
// decisions, returning what was applied.
func (l *Loop) recordFailures(it Iteration, inProgressAtStart []taskstore.Task, iterationStart time.Time, res failtrack.IterationResult) []failtrack.Decision {
	current, err := l.Store.ListTasks("")
	if err != nil {
		debug.LogKV("loop", "listing tasks for failure processing failed", "error", err)
		return nil
	}
	decisions := failtrack.ProcessFailedIteration(inProgressAtStart, current, iterationStart, failureDescription(res))
	for _, d := range decisions {
		if err := l.Store.AddNote(d.TaskRef, d.Note, noteAuthor); err != nil {
			debug.LogKV("loop", "failure note write failed", "task", d.TaskRef, "error", err)
			continue
		}
		l.append(session.TypeFailureRecorded, it.TraceID, failureData{TaskRef: d.TaskRef, Count: d.Count})
		debug.LogKV("loop", "failure recorded", "task", d.TaskRef, "count", d.Count, "escalate", d.Escalate)
		if d.Escalate {
			if err := l.Store.SetStatus(d.TaskRef, taskstore.StatusPendingReview); err != nil {
				debug.LogKV("loop", "escalation status change failed", "task", d.TaskRef, "error", err)
				continue
			}
			l.append(session.TypeTaskEscalated, it.TraceID, failureData{TaskRef: d.TaskRef, Count: d.Count})
		}
	}
	return decisions
}

// runAgentIteration is the real iteration body: spawn the adapter,
// open a session, send the prompt, tear the process down.
func (l *Loop) runAgentIteration(ctx context.Context, it Iteration, text string) Outcome {
	start := time.Now()

	id, desc, err := l.Registry.Resolve(l.AgentID)
	if err != nil {
		return Outcome{Err: fmt.Errorf("loop: %w", err), Elapsed: time.Since(start)}
	}

	var stderrSink io.Writer
	stderrPath := filepath.Join(session.SessionDir(l.SessionsDir, l.meta.ID), "stderr.log")
	if f, ferr := os.OpenFile(stderrPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); ferr == nil {
		defer f.Close()
		stderrSink = f
	} else {
		debug.LogKV("loop", "stderr log unavailable", "path", stderrPath, "error", ferr)
	}

	onTool := func(req agent.ToolRequest) (agent.ToolDecision, error) {
		l.append(session.TypeToolRequest, it.TraceID, toolRequestData{Title: req.Title, Kind: req.Kind})
		return agent.AllowDecision(req), nil
	}

	h, err := agent.Spawn(ctx, id, desc, agent.SpawnOptions{
		Dir:    l.WorkDir,
		Stderr: stderrSink,
		// Marks taskloop invocations made by the agent itself, so CLI
		// argument failures get recorded for forensics.
		Env: map[string]string{
			"TASKLOOP_AGENT":   "1",
			"TASKLOOP_SESSION": l.meta.ID,
		},
		Client: agent.ClientOptions{OnToolRequest: onTool},
	})
	if err != nil {
		if path, rerr := failedcmd.RecordSpawn(id, desc, err); rerr == nil && path != "" {
			debug.LogKV("loop", "spawn failure recorded", "path", path)
		}
		return Outcome{Err: fmt.Errorf("loop: spawning %s: %w", id, err), Elapsed: time.Since(start)}
	}

	updatesDone := make(chan struct{})
	go func() {
		defer close(updatesDone)
		for u := range h.Client.Updates() {
			l.append(session.TypeAgentUpdate, it.TraceID, u.Raw)
			if l.OnUpdate != nil {
				l.OnUpdate(it, u)
			}
		}
	}()
	defer func() {
		h.Kill()
		<-updatesDone
	}()

	asid, err := h.Client.NewSession(ctx, l.WorkDir)
	if err != nil {
		return Outcome{Err: fmt.Errorf("loop: opening agent session: %w", err), Elapsed: time.Since(start)}
	}
	res, err := h.Client.Prompt(ctx, asid, text)
	elapsed := time.Since(start)
	if err != nil {
		return Outcome{Err: fmt.Errorf("loop: prompt: %w", err), Elapsed: elapsed}
	}
	return Outcome{StopReason: res.StopReason, Elapsed: elapsed}
}

// finish closes out the session record and tells the listener.
func (l *Loop) finish(sum Summary) Summary {
	if l.meta != nil {
		sum.SessionID = l.meta.ID
		l.append(session.TypeSessionEnded, "", sessionEndedData{
			Reason:     sum.Reason,
			Iterations: sum.Iterations,
			Error:      errText(sum.Err),
		})
		status := session.StatusCompleted
		if sum.Reason == ReasonCancelled || sum.Reason == ReasonError {
			status = session.StatusAbandoned
		}
		if _, err := session.UpdateStatus(l.SessionsDir, l.meta.ID, status); err != nil {
			debug.LogKV("loop", "session status update failed", "session", l.meta.ID, "error", err)
		}
	}
	debug.LogKV("loop", "run finished",
		"session", sum.SessionID, "iterations", sum.Iterations,
		"reason", sum.Reason, "error", sum.Err)
	if l.OnDone != nil {
		l.OnDone(sum)
	}
	return sum
}

// append writes one event to the session log. Appends race between the
// engine, the update pump and the permission handler, so they are
// serialized here; failures degrade to debug logs rather than killing
// the run.
func (l *Loop) append(evType, traceID string, data any) {
	if l.meta == nil {
		return
	}
	l.evMu.Lock()
	defer l.evMu.Unlock()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			debug.LogKV("loop", "event payload marshal failed", "type", evType, "error", err)
		} else {
			raw = b
		}
	}
	if _, err := session.Append(l.SessionsDir, session.AppendInput{
		SessionID: l.meta.ID,
		Type:      evType,
		TraceID:   traceID,
		Data:      raw,
	}); err != nil {
		debug.LogKV("loop", "event append failed", "type", evType, "error", err)
	}
}

func failureDescription(res failtrack.IterationResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.StopReason != "" && res.StopReason != agent.StopEndTurn {
		return "agent stopped early: " + res.StopReason
	}
	return "iteration did not complete"
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Event payload shapes. internal/stats reads these back by field name,
// so they are part of the on-disk contract.
type sessionStartedData struct {
	Agent         string `json:"agent"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	TaskRef       string `json:"task_ref,omitempty"`
}

type iterationData struct {
	Iteration int    `json:"iteration"`
	TaskRef   string `json:"task_ref"`
	TaskTitle string `json:"task_title,omitempty"`
}

type promptSentData struct {
	TaskRef string `json:"task_ref"`
	Chars   int    `json:"chars"`
}

type contextSnapshotData struct {
	Iteration  int    `json:"iteration"`
	Trace      string `json:"trace"`
	TaskRef    string `json:"task_ref"`
	TaskTitle  string `json:"task_title,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`
	Prompt     string `json:"prompt"`
}

type promptDoneData struct {
	StopReason string `json:"stop_reason,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type toolRequestData struct {
	Title string `json:"title"`
	Kind  string `json:"kind,omitempty"`
}

type failureData struct {
	TaskRef string `json:"task_ref"`
	Count   int    `json:"count"`
}

type iterationDoneData struct {
	Iteration int  `json:"iteration"`
	Failed    bool `json:"failed"`
}

type sessionEndedData struct {
	Reason     string `json:"reason"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
}
