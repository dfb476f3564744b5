package looprun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/loop"
	"github.com/taskloop/taskloop/internal/taskstore"
)

func newRunConfig(t *testing.T) (RunConfig, *taskstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.New(dir)
	if err != nil {
		t.Fatalf("taskstore.New() error = %v", err)
	}
	if err := store.Init(taskstore.ProjectConfig{Name: "demo"}); err != nil {
		t.Fatalf("store.Init() error = %v", err)
	}
	return RunConfig{
		Store:       store,
		Registry:    agent.NewRegistry(nil),
		Project:     &taskstore.ProjectConfig{Name: "demo"},
		SessionsDir: store.SessionsDir(),
		WorkDir:     dir,
	}, store
}

func drain(t *testing.T, h *Handle) []any {
	t.Helper()
	var msgs []any
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-h.Events:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		case <-timeout:
			t.Fatalf("events channel never closed; got %d messages", len(msgs))
		}
	}
}

func TestStartEmptyStoreEmitsOnlyDone(t *testing.T) {
	cfg, _ := newRunConfig(t)
	cfg.runPrompt = func(context.Context, loop.Iteration, string) loop.Outcome {
		t.Error("runPrompt called with no tasks")
		return loop.Outcome{}
	}

	h := Start(cfg)
	msgs := drain(t, h)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1: %+v", len(msgs), msgs)
	}
	done, ok := msgs[0].(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("message = %T, want LoopDoneMsg", msgs[0])
	}
	if done.Reason != loop.ReasonCompleted || done.Iterations != 0 {
		t.Fatalf("done = %+v, want completed with 0 iterations", done)
	}

	sum := h.Wait()
	if sum.Reason != loop.ReasonCompleted {
		t.Fatalf("summary reason = %q, want %q", sum.Reason, loop.ReasonCompleted)
	}
}

func TestStartBridgesIterationLifecycle(t *testing.T) {
	cfg, store := newRunConfig(t)
	task := &taskstore.Task{Title: "Ship the parser"}
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	cfg.MaxIterations = 5
	cfg.runPrompt = func(_ context.Context, it loop.Iteration, _ string) loop.Outcome {
		if err := store.SetStatus(it.TaskRef, taskstore.StatusCompleted); err != nil {
			t.Errorf("SetStatus() error = %v", err)
		}
		return loop.Outcome{StopReason: agent.StopEndTurn, Elapsed: 7 * time.Millisecond}
	}

	msgs := drain(t, Start(cfg))
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4: %#v", len(msgs), msgs)
	}

	started, ok := msgs[0].(events.IterationStartedMsg)
	if !ok {
		t.Fatalf("msg[0] = %T, want IterationStartedMsg", msgs[0])
	}
	if started.Iteration != 1 || started.TaskRef != task.Ref || started.MaxIterations != 5 {
		t.Fatalf("started = %+v", started)
	}
	if started.TaskTitle != "Ship the parser" || started.TraceID == "" {
		t.Fatalf("started = %+v, want title and trace id", started)
	}

	promptDone, ok := msgs[1].(events.PromptDoneMsg)
	if !ok {
		t.Fatalf("msg[1] = %T, want PromptDoneMsg", msgs[1])
	}
	if promptDone.StopReason != agent.StopEndTurn || promptDone.Err != nil {
		t.Fatalf("promptDone = %+v", promptDone)
	}

	iterDone, ok := msgs[2].(events.IterationDoneMsg)
	if !ok {
		t.Fatalf("msg[2] = %T, want IterationDoneMsg", msgs[2])
	}
	if iterDone.Iteration != 1 || iterDone.Failed {
		t.Fatalf("iterDone = %+v", iterDone)
	}

	done, ok := msgs[3].(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("msg[3] = %T, want LoopDoneMsg", msgs[3])
	}
	if done.Reason != loop.ReasonCompleted || done.Iterations != 1 {
		t.Fatalf("done = %+v", done)
	}
}

func TestStartBridgesFailureAndEscalation(t *testing.T) {
	cfg, store := newRunConfig(t)
	task := &taskstore.Task{Title: "Stubborn work"}
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	cfg.MaxIterations = 5
	cfg.runPrompt = func(context.Context, loop.Iteration, string) loop.Outcome {
		return loop.Outcome{Err: errors.New("agent crashed")}
	}

	msgs := drain(t, Start(cfg))

	var failures []events.FailureRecordedMsg
	var escalations []events.TaskEscalatedMsg
	for _, m := range msgs {
		switch m := m.(type) {
		case events.FailureRecordedMsg:
			failures = append(failures, m)
		case events.TaskEscalatedMsg:
			escalations = append(escalations, m)
		}
	}

	if len(failures) != 3 {
		t.Fatalf("failure messages = %d, want 3", len(failures))
	}
	for i, f := range failures {
		if f.TaskRef != task.Ref || f.Count != i+1 {
			t.Fatalf("failure[%d] = %+v, want count %d for %s", i, f, i+1, task.Ref)
		}
	}
	if len(escalations) != 1 || escalations[0].Count != 3 {
		t.Fatalf("escalations = %+v, want one at count 3", escalations)
	}

	done, ok := msgs[len(msgs)-1].(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("last message = %T, want LoopDoneMsg", msgs[len(msgs)-1])
	}
	if done.Reason != loop.ReasonCompleted || done.Iterations != 3 {
		t.Fatalf("done = %+v, want completed after 3 iterations", done)
	}
}

func TestCancelStopsRun(t *testing.T) {
	cfg, store := newRunConfig(t)
	if err := store.CreateTask(&taskstore.Task{Title: "Interruptible"}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	cfg.runPrompt = func(ctx context.Context, _ loop.Iteration, _ string) loop.Outcome {
		<-ctx.Done()
		return loop.Outcome{Err: ctx.Err()}
	}

	h := Start(cfg)
	select {
	case m := <-h.Events:
		if _, ok := m.(events.IterationStartedMsg); !ok {
			t.Fatalf("first message = %T, want IterationStartedMsg", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no iteration start before cancel")
	}
	h.Cancel()

	msgs := drain(t, h)
	done, ok := msgs[len(msgs)-1].(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("last message = %T, want LoopDoneMsg", msgs[len(msgs)-1])
	}
	if done.Reason != loop.ReasonCancelled {
		t.Fatalf("done reason = %q, want %q", done.Reason, loop.ReasonCancelled)
	}

	sum := h.Wait()
	if !errors.Is(sum.Err, context.Canceled) {
		t.Fatalf("summary err = %v, want context.Canceled", sum.Err)
	}
}
