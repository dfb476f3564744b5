// Package failtrack decides when a repeatedly failing task should stop
// being retried and get escalated for human review.
//
// The failure counter is not a stored field: it is encoded in task note
// text as a leading [LOOP-FAIL:N] marker, so it travels through the
// same storage path as the rest of the task history and stays readable
// by anyone scanning the note stream. Every function here is pure; the
// loop performs the side-effecting note writes and status changes.
package failtrack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskloop/taskloop/internal/taskstore"
)

const failMarkerPrefix = "[LOOP-FAIL:"

// escalateThreshold is the failure count at which a task stops being
// retried and is handed to a human.
const escalateThreshold = 3

// IterationResult is the loop's summary of one prompt exchange.
type IterationResult struct {
	Success    bool
	StopReason string
	Err        error
}

// Decision is one task's verdict after a failed iteration. The caller
// writes Note to the task and, when Escalate is set, moves the task to
// pending_review.
type Decision struct {
	TaskRef  string
	Count    int
	Escalate bool
	Note     string
}

// ParseFailureCount extracts N from a leading [LOOP-FAIL:N] marker.
// Returns 0 when the marker is absent or malformed.
func ParseFailureCount(text string) int {
	if !strings.HasPrefix(text, failMarkerPrefix) {
		return 0
	}
	rest := text[len(failMarkerPrefix):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// TaskFailureCount is the maximum marker value across all notes, 0 if
// none match.
func TaskFailureCount(task taskstore.Task) int {
	max := 0
	for _, note := range task.Notes {
		if n := ParseFailureCount(note.Text); n > max {
			max = n
		}
	}
	return max
}

// CreateFailureNote builds the note text recording the next failure.
func CreateFailureNote(ref, description string, priorCount int) string {
	return fmt.Sprintf("%s%d] Task @%s failed: %s", failMarkerPrefix, priorCount+1, ref, description)
}

// ShouldEscalate reports whether a task at this failure count is done
// being retried.
func ShouldEscalate(count int) bool {
	return count >= escalateThreshold
}

// IsIterationFailure reports whether an iteration outcome counts as a
// failure: explicit non-success, an error, or a cancellation-style
// stop reason.
func IsIterationFailure(res IterationResult) bool {
	return !res.Success || res.Err != nil || res.StopReason == "cancelled"
}

// HasTaskProgress reports whether any note other than a failure marker
// was added after since. A task whose only fresh note is the loop's
// own [LOOP-FAIL:...] record has made no progress.
func HasTaskProgress(task taskstore.Task, since time.Time) bool {
	for _, note := range task.Notes {
		if strings.HasPrefix(note.Text, failMarkerPrefix) {
			continue
		}
		if note.CreatedAt.After(since) {
			return true
		}
	}
	return false
}

// ProcessFailedIteration decides, for each task that was in_progress
// when the iteration started and is still in_progress now, whether to
// record another failure and whether that failure crosses the
// escalation threshold. Tasks that left in_progress during the
// iteration are excluded: finishing, cancelling, or submitting a task
// for review is not a failure of that task. Tasks with fresh
// non-marker notes are excluded too, since something moved even though
// the iteration failed.
//
// This function only decides. The caller performs the note write and
// the status change for escalated tasks.
func ProcessFailedIteration(inProgressAtStart, current []taskstore.Task, iterationStart time.Time, description string) []Decision {
	currentByRef := make(map[string]taskstore.Task, len(current))
	for _, t := range current {
		currentByRef[t.Ref] = t
	}

	var decisions []Decision
	for _, was := range inProgressAtStart {
		now, ok := currentByRef[was.Ref]
		if !ok || now.Status != taskstore.StatusInProgress {
			continue
		}
		if HasTaskProgress(now, iterationStart) {
			continue
		}
		prior := TaskFailureCount(now)
		count := prior + 1
		decisions = append(decisions, Decision{
			TaskRef:  was.Ref,
			Count:    count,
			Escalate: ShouldEscalate(count),
			Note:     CreateFailureNote(was.Ref, description, prior),
		})
	}
	return decisions
}
