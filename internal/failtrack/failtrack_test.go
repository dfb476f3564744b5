package failtrack

import (
	"errors"
	"testing"
	"time"

	"github.com/taskloop/taskloop/internal/taskstore"
)

func TestParseFailureCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"[LOOP-FAIL:3] Task @x failed: timeout", 3},
		{"[LOOP-FAIL:1] Task @auth failed: build broke", 1},
		{"[LOOP-FAIL:12] big count", 12},
		{"no prefix", 0},
		{"", 0},
		{"[LOOP-FAIL:] empty", 0},
		{"[LOOP-FAIL:abc] not a number", 0},
		{"[LOOP-FAIL:3 missing bracket", 0},
		{" [LOOP-FAIL:3] leading space", 0},
		{"note mentioning [LOOP-FAIL:5] mid-text", 0},
	}
	for _, tt := range tests {
		if got := ParseFailureCount(tt.text); got != tt.want {
			t.Errorf("ParseFailureCount(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestTaskFailureCount(t *testing.T) {
	task := taskstore.Task{
		Ref: "auth",
		Notes: []taskstore.Note{
			{Text: "[LOOP-FAIL:1] Task @auth failed: timeout"},
			{Text: "human guidance: check the token refresh"},
			{Text: "[LOOP-FAIL:2] Task @auth failed: still broken"},
		},
	}
	if got := TaskFailureCount(task); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	if got := TaskFailureCount(taskstore.Task{Ref: "clean"}); got != 0 {
		t.Errorf("count for noteless task = %d, want 0", got)
	}
}

func TestCreateFailureNote(t *testing.T) {
	got := CreateFailureNote("auth", "prompt timed out", 2)
	want := "[LOOP-FAIL:3] Task @auth failed: prompt timed out"
	if got != want {
		t.Errorf("note = %q, want %q", got, want)
	}
	if ParseFailureCount(got) != 3 {
		t.Errorf("round-trip count = %d, want 3", ParseFailureCount(got))
	}
}

func TestShouldEscalate(t *testing.T) {
	if ShouldEscalate(2) {
		t.Error("ShouldEscalate(2) = true")
	}
	if !ShouldEscalate(3) {
		t.Error("ShouldEscalate(3) = false")
	}
	if !ShouldEscalate(4) {
		t.Error("ShouldEscalate(4) = false")
	}
}

func TestIsIterationFailure(t *testing.T) {
	tests := []struct {
		name string
		res  IterationResult
		want bool
	}{
		{"success", IterationResult{Success: true, StopReason: "end_turn"}, false},
		{"explicit failure", IterationResult{Success: false}, true},
		{"error", IterationResult{Success: true, Err: errors.New("boom")}, true},
		{"cancelled", IterationResult{Success: true, StopReason: "cancelled"}, true},
	}
	for _, tt := range tests {
		if got := IsIterationFailure(tt.res); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestHasTaskProgress(t *testing.T) {
	start := time.Now()
	before := start.Add(-time.Minute)
	after := start.Add(time.Minute)

	onlyFailNote := taskstore.Task{
		Ref: "x",
		Notes: []taskstore.Note{
			{Text: "[LOOP-FAIL:1] Task @x failed: no output", CreatedAt: after},
		},
	}
	if HasTaskProgress(onlyFailNote, start) {
		t.Error("failure marker alone should not count as progress")
	}

	realNote := taskstore.Task{
		Ref: "x",
		Notes: []taskstore.Note{
			{Text: "[LOOP-FAIL:1] Task @x failed: no output", CreatedAt: after},
			{Text: "implemented the parser, tests next", CreatedAt: after},
		},
	}
	if !HasTaskProgress(realNote, start) {
		t.Error("non-marker note after start should count as progress")
	}

	staleNote := taskstore.Task{
		Ref: "x",
		Notes: []taskstore.Note{
			{Text: "old context from last week", CreatedAt: before},
		},
	}
	if HasTaskProgress(staleNote, start) {
		t.Error("note from before the iteration should not count")
	}
}

func TestProcessFailedIterationCounts(t *testing.T) {
	start := time.Now()
	task := taskstore.Task{Ref: "auth", Status: taskstore.StatusInProgress}

	// Three consecutive failing iterations with no progress. Apply each
	// decision's note before the next round, the way the loop does.
	var lastDecisions []Decision
	for round := 1; round <= 3; round++ {
		decisions := ProcessFailedIteration(
			[]taskstore.Task{task},
			[]taskstore.Task{task},
			start,
			"agent produced no output",
		)
		if len(decisions) != 1 {
			t.Fatalf("round %d: expected 1 decision, got %d", round, len(decisions))
		}
		d := decisions[0]
		if d.Count != round {
			t.Errorf("round %d: count = %d", round, d.Count)
		}
		wantEscalate := round >= 3
		if d.Escalate != wantEscalate {
			t.Errorf("round %d: escalate = %v, want %v", round, d.Escalate, wantEscalate)
		}
		if ParseFailureCount(d.Note) != round {
			t.Errorf("round %d: note %q", round, d.Note)
		}
		task.Notes = append(task.Notes, taskstore.Note{Text: d.Note, CreatedAt: time.Now()})
		lastDecisions = decisions
	}
	if !lastDecisions[0].Escalate {
		t.Error("third failure should escalate")
	}
}

func TestProcessFailedIterationExclusions(t *testing.T) {
	start := time.Now()

	finished := taskstore.Task{Ref: "done", Status: taskstore.StatusInProgress}
	progressed := taskstore.Task{Ref: "moving", Status: taskstore.StatusInProgress}
	stuck := taskstore.Task{Ref: "stuck", Status: taskstore.StatusInProgress}

	inProgressAtStart := []taskstore.Task{finished, progressed, stuck}

	finishedNow := finished
	finishedNow.Status = taskstore.StatusCompleted
	progressedNow := progressed
	progressedNow.Notes = []taskstore.Note{
		{Text: "halfway through the refactor", CreatedAt: start.Add(time.Second)},
	}
	current := []taskstore.Task{finishedNow, progressedNow, stuck}

	decisions := ProcessFailedIteration(inProgressAtStart, current, start, "iteration failed")
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if decisions[0].TaskRef != "stuck" {
		t.Errorf("decision for %q, want stuck", decisions[0].TaskRef)
	}
}

func TestProcessFailedIterationDroppedTask(t *testing.T) {
	start := time.Now()
	gone := taskstore.Task{Ref: "gone", Status: taskstore.StatusInProgress}

	decisions := ProcessFailedIteration([]taskstore.Task{gone}, nil, start, "failed")
	if len(decisions) != 0 {
		t.Errorf("expected no decisions for a task missing from current, got %d", len(decisions))
	}
}
