package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/taskloop/taskloop/internal/taskstore"
)

func TestBuildContainsRulesAndCLIContract(t *testing.T) {
	got := Build(BuildOpts{
		Project: &taskstore.ProjectConfig{Name: "widget"},
		Task:    &taskstore.Task{Ref: "fix-build", Title: "Fix the build"},
	})

	for _, want := range []string{
		"# Rules",
		"fully autonomous",
		`"widget"`,
		"taskloop tasks list",
		"# Objective",
		"@fix-build",
		"Fix the build",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\nprompt:\n%s", want, got)
		}
	}
}

func TestBuildRendersSpecCriteria(t *testing.T) {
	got := Build(BuildOpts{
		Project: &taskstore.ProjectConfig{Name: "widget"},
		Task:    &taskstore.Task{Ref: "t1", Title: "T", Description: "Long form detail."},
		Spec: &taskstore.Spec{
			Ref:      "s1",
			Title:    "Widget spec",
			Criteria: []string{"compiles clean", "handles empty input"},
		},
		Branch:        "feature/widgets",
		Iteration:     2,
		MaxIterations: 10,
	})

	for _, want := range []string{
		"Acceptance Criteria (spec @s1: Widget spec)",
		"- [ ] compiles clean",
		"- [ ] handles empty input",
		"Long form detail.",
		"Current branch: feature/widgets",
		"iteration 2 of at most 10",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildWithoutTaskAsksAgentToOrient(t *testing.T) {
	got := Build(BuildOpts{Project: &taskstore.ProjectConfig{Name: "p"}})
	if !strings.Contains(got, "No task is assigned") {
		t.Errorf("prompt missing orientation fallback:\n%s", got)
	}
}

func TestBuildTruncatesNoteHistory(t *testing.T) {
	task := &taskstore.Task{Ref: "t1", Title: "T"}
	for i := 1; i <= 7; i++ {
		task.Notes = append(task.Notes, taskstore.Note{
			Text:      fmt.Sprintf("note %d", i),
			Author:    "loop",
			CreatedAt: time.Date(2026, 8, 1, 10, i, 0, 0, time.UTC),
		})
	}
	got := Build(BuildOpts{Task: task})

	if !strings.Contains(got, "2 earlier notes omitted") {
		t.Errorf("prompt missing truncation marker:\n%s", got)
	}
	if strings.Contains(got, "note 2") {
		t.Error("truncated note leaked into prompt")
	}
	for i := 3; i <= 7; i++ {
		if !strings.Contains(got, fmt.Sprintf("note %d", i)) {
			t.Errorf("prompt missing note %d", i)
		}
	}
}

func TestBuildSubagentSections(t *testing.T) {
	detail, _ := json.Marshal(map[string]string{"ref": "pr-7", "title": "Merge the fix"})
	spec, _ := json.Marshal(map[string]any{"criteria": []string{"CI green"}})

	got := BuildSubagent(SubagentInput{
		TaskRef:    "pr-7",
		TaskDetail: detail,
		Spec:       spec,
		Branch:     "fix/timeout",
		Objective:  "Get this one PR merged. Do not start new work.",
	})

	for _, want := range []string{
		"Context: `````",
		"dedicated subagent",
		"Task reference: @pr-7",
		"Current branch: fix/timeout",
		"## Task Detail",
		`"title": "Merge the fix"`,
		"## Linked Spec",
		"CI green",
		"PRIMARY directive",
		"Get this one PR merged. Do not start new work.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q\nprompt:\n%s", want, got)
		}
	}
	if strings.Contains(got, "READ-ONLY") {
		t.Error("read-only section present without ReadOnly")
	}
}

func TestBuildSubagentObjectiveOutsideContextBlock(t *testing.T) {
	got := BuildSubagent(SubagentInput{Objective: "Review only."})
	end := strings.LastIndex(got, "`````")
	obj := strings.Index(got, "Review only.")
	if end < 0 || obj < 0 {
		t.Fatalf("missing markers:\n%s", got)
	}
	if obj < end {
		t.Error("objective rendered inside the context block")
	}
}

func TestBuildSubagentReadOnly(t *testing.T) {
	got := BuildSubagent(SubagentInput{Objective: "Look around.", ReadOnly: true})
	if !strings.Contains(got, "READ-ONLY mode") {
		t.Errorf("prompt missing read-only section:\n%s", got)
	}
}
