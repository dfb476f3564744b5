package looprun

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/config"
	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/taskstore"
)

// drainTimeout bounds how long a finished daemon waits for attached
// clients to read the final messages before exiting.
const drainTimeout = 30 * time.Second

// RunDaemon runs a detached loop for a prepared session: it reloads
// the run parameters saved by the launching process, opens the attach
// socket and mirrors bridge events onto it until the loop finishes.
// It is the body of the hidden _session-daemon command.
func RunDaemon(sessionID string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("finding working directory: %w", err)
	}
	store, err := taskstore.New(wd)
	if err != nil {
		return err
	}
	dcfg, err := session.LoadDaemonConfig(store.SessionsDir(), sessionID)
	if err != nil {
		return fmt.Errorf("loading daemon config: %w", err)
	}
	if dcfg.ProjectDir != "" && dcfg.ProjectDir != wd {
		store, err = taskstore.New(dcfg.ProjectDir)
		if err != nil {
			return err
		}
	}
	if !store.Exists() {
		return fmt.Errorf("no taskloop project at %s", store.Root())
	}
	project, err := store.LoadProject()
	if err != nil {
		return err
	}
	global, err := config.Load()
	if err != nil {
		return err
	}

	meta, err := session.Load(store.SessionsDir(), sessionID)
	if err != nil {
		return err
	}
	if !meta.Active() {
		return fmt.Errorf("session %s already ended (%s)", sessionID, meta.Status)
	}

	ln, err := session.ListenSocket(sessionID)
	if err != nil {
		return err
	}
	sockPath := session.SocketPath(sessionID)
	defer os.Remove(sockPath)
	defer ln.Close()

	h := Start(RunConfig{
		Store:         store,
		Registry:      agent.NewRegistry(global),
		Global:        global,
		Project:       project,
		SessionsDir:   store.SessionsDir(),
		WorkDir:       dcfg.WorkDir,
		Branch:        dcfg.Branch,
		AgentID:       dcfg.AgentID,
		TaskRef:       dcfg.TaskRef,
		MaxIterations: dcfg.MaxIterations,
		SessionID:     sessionID,
	})

	b := session.NewBroadcaster(session.WireMeta{
		SessionID: meta.ID,
		TaskRef:   meta.TaskID,
		AgentType: meta.AgentType,
		Status:    meta.Status,
		StartedAt: meta.StartedAt,
	}, h.Cancel)
	go b.Serve(ln)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		debug.LogKV("daemon", "signal received, cancelling run", "session", sessionID)
		h.Cancel()
	}()

	debug.LogKV("daemon", "session daemon serving", "session", sessionID, "socket", sockPath)

	for ev := range h.Events {
		broadcastEvent(b, ev)
	}

	b.Wait(drainTimeout)

	sum := h.Wait()
	debug.LogKV("daemon", "session daemon exiting",
		"session", sessionID, "reason", sum.Reason, "iterations", sum.Iterations)
	return sum.Err
}

// broadcastEvent mirrors one bridge event onto the attach socket.
func broadcastEvent(b *session.Broadcaster, ev any) {
	switch m := ev.(type) {
	case events.IterationStartedMsg:
		b.SetSnapshot(session.WireSnapshot{Iteration: m.Iteration, TaskRef: m.TaskRef})
		b.Broadcast(session.MsgIteration, session.WireIteration{
			Iteration:     m.Iteration,
			MaxIterations: m.MaxIterations,
			TaskRef:       m.TaskRef,
			TaskTitle:     m.TaskTitle,
			TraceID:       m.TraceID,
		})
	case events.AgentUpdateMsg:
		b.Broadcast(session.MsgUpdate, session.WireUpdate{
			Iteration: m.Iteration,
			Update:    m.Update.Raw,
		})
	case events.PromptDoneMsg:
		b.Broadcast(session.MsgPromptDone, session.WirePromptDone{
			Iteration:  m.Iteration,
			StopReason: m.StopReason,
			DurationMS: m.Elapsed.Milliseconds(),
			Error:      errString(m.Err),
		})
	case events.FailureRecordedMsg:
		b.Broadcast(session.MsgFailure, session.WireFailure{
			TaskRef: m.TaskRef,
			Count:   m.Count,
			Note:    m.Note,
		})
	case events.TaskEscalatedMsg:
		b.Broadcast(session.MsgEscalated, session.WireEscalated{
			TaskRef: m.TaskRef,
			Count:   m.Count,
		})
	case events.IterationDoneMsg:
		b.Broadcast(session.MsgIterationDone, session.WireIterationDone{
			Iteration: m.Iteration,
			Failed:    m.Failed,
		})
	case events.LoopDoneMsg:
		b.MarkDone(session.WireDone{
			Iterations: m.Iterations,
			Reason:     m.Reason,
			Error:      errString(m.Err),
		})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
