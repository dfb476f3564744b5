// Package stats derives run metrics from session event logs. Nothing
// here is persisted; the event log is the source of truth and metrics
// are folded from it on demand.
package stats

import (
	"encoding/json"
	"time"

	"github.com/taskloop/taskloop/internal/session"
)

// SessionMetrics holds the metrics folded from one session's events.
type SessionMetrics struct {
	SessionID string
	AgentType string
	TaskRef   string
	Status    string
	StartedAt time.Time

	// WallTime is EndedAt-StartedAt for ended sessions, zero otherwise.
	WallTime time.Duration
	// AgentTime sums the prompt exchange durations.
	AgentTime time.Duration

	Iterations  int
	FailedIters int
	PromptsSent int
	PromptChars int
	Updates     int
	ToolCalls   map[string]int // tool kind -> request count
	Failures    int
	Escalations int

	// Reason and Err come from the session_ended event; both empty for
	// sessions that are still running or died without one.
	Reason string
	Err    string
}

// FromSession loads one session's metadata and events and folds its
// metrics.
func FromSession(dir, id string) (*SessionMetrics, error) {
	meta, err := session.Load(dir, id)
	if err != nil {
		return nil, err
	}
	evs, err := session.ReadEvents(dir, id)
	if err != nil {
		return nil, err
	}

	m := FromEvents(evs)
	m.SessionID = meta.ID
	m.AgentType = meta.AgentType
	m.Status = meta.Status
	m.StartedAt = meta.StartedAt
	if m.TaskRef == "" {
		m.TaskRef = meta.TaskID
	}
	if !meta.EndedAt.IsZero() {
		m.WallTime = meta.EndedAt.Sub(meta.StartedAt)
	}
	return m, nil
}

// FromEvents folds metrics from an event slice. Events with payloads
// that fail to decode are skipped, matching the tolerant read side of
// the log.
func FromEvents(evs []session.Event) *SessionMetrics {
	m := &SessionMetrics{ToolCalls: make(map[string]int)}

	for _, ev := range evs {
		switch ev.Type {
		case session.TypeSessionStarted:
			var d struct {
				TaskRef string `json:"task_ref"`
			}
			if json.Unmarshal(ev.Data, &d) == nil && d.TaskRef != "" {
				m.TaskRef = d.TaskRef
			}
		case session.TypeIterationStarted:
			var d struct {
				Iteration int `json:"iteration"`
			}
			if json.Unmarshal(ev.Data, &d) == nil && d.Iteration > m.Iterations {
				m.Iterations = d.Iteration
			}
		case session.TypePromptSent:
			var d struct {
				Chars int `json:"chars"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			m.PromptsSent++
			m.PromptChars += d.Chars
		case session.TypePromptCompleted:
			var d struct {
				DurationMS int64 `json:"duration_ms"`
			}
			if json.Unmarshal(ev.Data, &d) == nil {
				m.AgentTime += time.Duration(d.DurationMS) * time.Millisecond
			}
		case session.TypeToolRequest:
			var d struct {
				Kind string `json:"kind"`
			}
			kind := "other"
			if json.Unmarshal(ev.Data, &d) == nil && d.Kind != "" {
				kind = d.Kind
			}
			m.ToolCalls[kind]++
		case session.TypeAgentUpdate:
			m.Updates++
		case session.TypeFailureRecorded:
			m.Failures++
		case session.TypeTaskEscalated:
			m.Escalations++
		case session.TypeIterationCompleted:
			var d struct {
				Failed bool `json:"failed"`
			}
			if json.Unmarshal(ev.Data, &d) == nil && d.Failed {
				m.FailedIters++
			}
		case session.TypeSessionEnded:
			var d struct {
				Reason     string `json:"reason"`
				Iterations int    `json:"iterations"`
				Error      string `json:"error,omitempty"`
			}
			if json.Unmarshal(ev.Data, &d) != nil {
				continue
			}
			m.Reason = d.Reason
			m.Err = d.Error
			if d.Iterations > 0 {
				m.Iterations = d.Iterations
			}
		}
	}
	return m
}

// ProjectStats aggregates metrics across a project's sessions.
type ProjectStats struct {
	Sessions  int
	Active    int
	Completed int
	Abandoned int

	Iterations  int
	FailedIters int
	AgentTime   time.Duration
	ToolCalls   map[string]int
	Failures    int
	Escalations int

	ByAgent map[string]int // sessions per agent type
}

// Aggregate folds every readable session under dir. Sessions whose
// logs cannot be read are skipped rather than failing the whole
// report. The per-session slice is ordered newest first.
func Aggregate(dir string) (*ProjectStats, []SessionMetrics, error) {
	metas, err := session.List(dir)
	if err != nil {
		return nil, nil, err
	}

	p := &ProjectStats{
		ToolCalls: make(map[string]int),
		ByAgent:   make(map[string]int),
	}
	var perSession []SessionMetrics

	for _, meta := range metas {
		m, err := FromSession(dir, meta.ID)
		if err != nil {
			continue
		}
		perSession = append(perSession, *m)

		p.Sessions++
		switch m.Status {
		case session.StatusActive:
			p.Active++
		case session.StatusCompleted:
			p.Completed++
		case session.StatusAbandoned:
			p.Abandoned++
		}
		p.Iterations += m.Iterations
		p.FailedIters += m.FailedIters
		p.AgentTime += m.AgentTime
		p.Failures += m.Failures
		p.Escalations += m.Escalations
		for kind, n := range m.ToolCalls {
			p.ToolCalls[kind] += n
		}
		if m.AgentType != "" {
			p.ByAgent[m.AgentType]++
		}
	}
	return p, perSession, nil
}
