package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/taskloop/taskloop/internal/agent"
	"github.com/taskloop/taskloop/internal/events"
)

func recvEvent(t *testing.T, ch <-chan any) any {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestDaemonConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta, err := Create(dir, CreateInput{AgentType: "claude"})
	if err != nil {
		t.Fatal(err)
	}

	in := &DaemonConfig{
		ProjectDir:    "/work/demo",
		WorkDir:       "/work/demo",
		Branch:        "main",
		AgentID:       "claude",
		TaskRef:       "fix-watcher-1",
		MaxIterations: 10,
	}
	if err := SaveDaemonConfig(dir, meta.ID, in); err != nil {
		t.Fatal(err)
	}
	out, err := LoadDaemonConfig(dir, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Fatalf("daemon config changed in round trip: %+v != %+v", out, in)
	}
}

func TestBroadcasterReplayThenLive(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	ln, err := ListenSocket("sess-replay")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	started := time.Now().UTC().Truncate(time.Second)
	b := NewBroadcaster(WireMeta{
		SessionID: "sess-replay",
		TaskRef:   "fix-watcher-1",
		AgentType: "claude",
		Status:    StatusActive,
		StartedAt: started,
	}, nil)

	// History written before anyone attaches.
	b.SetSnapshot(WireSnapshot{Iteration: 2, TaskRef: "fix-watcher-1"})
	b.Broadcast(MsgIteration, WireIteration{
		Iteration:     2,
		MaxIterations: 5,
		TaskRef:       "fix-watcher-1",
		TaskTitle:     "Fix watcher",
	})

	go b.Serve(ln)

	c, err := Connect(SocketPath("sess-replay"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.Meta.SessionID != "sess-replay" || c.Meta.AgentType != "claude" {
		t.Fatalf("unexpected greeting meta: %+v", c.Meta)
	}

	eventCh := make(chan any, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- c.StreamEvents(eventCh) }()

	ev := recvEvent(t, eventCh)
	snap, ok := ev.(events.SessionSnapshotMsg)
	if !ok {
		t.Fatalf("expected snapshot first, got %#v", ev)
	}
	if snap.Iteration != 2 || snap.TaskRef != "fix-watcher-1" {
		t.Fatalf("snapshot position wrong: %+v", snap)
	}
	if snap.AgentType != "claude" || !snap.StartedAt.Equal(started) {
		t.Fatalf("snapshot did not carry the greeting meta: %+v", snap)
	}

	ev = recvEvent(t, eventCh)
	it, ok := ev.(events.IterationStartedMsg)
	if !ok {
		t.Fatalf("expected replayed iteration, got %#v", ev)
	}
	if it.Iteration != 2 || it.MaxIterations != 5 || it.TaskTitle != "Fix watcher" {
		t.Fatalf("replayed iteration wrong: %+v", it)
	}

	if _, ok := recvEvent(t, eventCh).(events.SessionLiveMsg); !ok {
		t.Fatal("expected live marker after replay")
	}

	// Live traffic after the marker.
	b.Broadcast(MsgUpdate, WireUpdate{
		Iteration: 2,
		Update:    json.RawMessage(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"patching"}}`),
	})
	ev = recvEvent(t, eventCh)
	up, ok := ev.(events.AgentUpdateMsg)
	if !ok {
		t.Fatalf("expected agent update, got %#v", ev)
	}
	if up.Update.Kind != agent.UpdateAgentMessageChunk || up.Update.Text != "patching" {
		t.Fatalf("update lost in transit: %+v", up.Update)
	}

	b.Broadcast(MsgPromptDone, WirePromptDone{Iteration: 2, StopReason: "end_turn", DurationMS: 1500})
	ev = recvEvent(t, eventCh)
	pd, ok := ev.(events.PromptDoneMsg)
	if !ok {
		t.Fatalf("expected prompt done, got %#v", ev)
	}
	if pd.StopReason != "end_turn" || pd.Elapsed != 1500*time.Millisecond || pd.Err != nil {
		t.Fatalf("unexpected prompt done: %+v", pd)
	}

	b.MarkDone(WireDone{Iterations: 2, Reason: "completed"})
	ev = recvEvent(t, eventCh)
	done, ok := ev.(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("expected loop done, got %#v", ev)
	}
	if done.Iterations != 2 || done.Reason != "completed" || done.Err != nil {
		t.Fatalf("unexpected loop done: %+v", done)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("stream ended with error: %v", err)
	}
	if _, ok := <-eventCh; ok {
		t.Fatal("event channel not closed after done")
	}
}

func TestBroadcasterCancelControl(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	ln, err := ListenSocket("sess-cancel")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cancelled := make(chan struct{})
	b := NewBroadcaster(WireMeta{
		SessionID: "sess-cancel",
		AgentType: "claude",
		Status:    StatusActive,
	}, func() { close(cancelled) })
	go b.Serve(ln)

	c, err := Connect(SocketPath("sess-cancel"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Cancel(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel control never reached the broadcaster")
	}
}

func TestLateAttacherSeesFullReplay(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	ln, err := ListenSocket("sess-late")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// The whole run happens before the client shows up.
	b := NewBroadcaster(WireMeta{
		SessionID: "sess-late",
		AgentType: "claude",
		Status:    StatusActive,
	}, nil)
	b.SetSnapshot(WireSnapshot{Iteration: 1, TaskRef: "tidy-1"})
	b.Broadcast(MsgIteration, WireIteration{Iteration: 1, TaskRef: "tidy-1"})
	b.Broadcast(MsgIterationDone, WireIterationDone{Iteration: 1})
	b.MarkDone(WireDone{Iterations: 1, Reason: "completed"})
	go b.Serve(ln)

	c, err := Connect(SocketPath("sess-late"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	eventCh := make(chan any, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- c.StreamEvents(eventCh) }()

	if _, ok := recvEvent(t, eventCh).(events.SessionSnapshotMsg); !ok {
		t.Fatal("expected snapshot first")
	}
	if _, ok := recvEvent(t, eventCh).(events.IterationStartedMsg); !ok {
		t.Fatal("expected replayed iteration")
	}
	if _, ok := recvEvent(t, eventCh).(events.IterationDoneMsg); !ok {
		t.Fatal("expected replayed iteration done")
	}
	ev := recvEvent(t, eventCh)
	done, ok := ev.(events.LoopDoneMsg)
	if !ok {
		t.Fatalf("expected loop done, got %#v", ev)
	}
	if done.Reason != "completed" || done.Err != nil {
		t.Fatalf("unexpected loop done: %+v", done)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream ended with error: %v", err)
	}
}
