// Package session is the durable record of loop runs: one directory
// per session holding metadata, an append-only event log, and optional
// per-iteration context snapshots. Tooling and humans reviewing loop
// behavior read these files directly, so the writer is strict and the
// readers are tolerant.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Session lifecycle statuses stored in Meta.Status.
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// ValidStatus reports whether s is a known session status.
func ValidStatus(s string) bool {
	return s == StatusActive || s == StatusCompleted || s == StatusAbandoned
}

// Meta describes one session. EndedAt is set only when the status
// leaves active.
type Meta struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentType string    `json:"agent_type"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session is still running.
func (m *Meta) Active() bool {
	return m.Status == StatusActive
}

// CreateInput seeds a new session. ID defaults to a fresh UUID,
// AgentType is required.
type CreateInput struct {
	ID        string
	TaskID    string
	AgentType string
}

// SessionDir returns the directory for one session.
func SessionDir(dir, id string) string {
	return filepath.Join(dir, id)
}

// MetaPath returns the metadata JSON path for a session.
func MetaPath(dir, id string) string {
	return filepath.Join(dir, id, "meta.json")
}

// EventsPath returns the event log path for a session.
func EventsPath(dir, id string) string {
	return filepath.Join(dir, id, "events.jsonl")
}

// Create makes the session directory and persists its initial
// metadata: status active, started_at now.
func Create(dir string, in CreateInput) (*Meta, error) {
	if strings.TrimSpace(in.AgentType) == "" {
		return nil, fmt.Errorf("session: agent type is required")
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	if err := os.MkdirAll(SessionDir(dir, id), 0755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	if _, err := os.Stat(MetaPath(dir, id)); err == nil {
		return nil, fmt.Errorf("session %s already exists", id)
	}

	meta := &Meta{
		ID:        id,
		TaskID:    in.TaskID,
		AgentType: in.AgentType,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	if err := saveMeta(dir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Load reads one session's metadata.
func Load(dir, id string) (*Meta, error) {
	data, err := os.ReadFile(MetaPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s not found", id)
		}
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// UpdateStatus transitions a session's status. EndedAt is stamped only
// on the transition away from active; later status changes leave it
// alone.
func UpdateStatus(dir, id, status string) (*Meta, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("unknown session status %q", status)
	}
	meta, err := Load(dir, id)
	if err != nil {
		return nil, err
	}
	if meta.Status == StatusActive && status != StatusActive {
		meta.EndedAt = time.Now().UTC()
	}
	meta.Status = status
	if err := saveMeta(dir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns all sessions under dir, newest first. Entries without a
// parsable meta.json are skipped.
func List(dir string) ([]Meta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(MetaPath(dir, e.Name()))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.ID == "" {
			meta.ID = e.Name()
		}
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

func saveMeta(dir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := MetaPath(dir, meta.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FormatElapsed returns a human-readable elapsed time string.
func FormatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatTimeAgo returns a human-readable "time ago" string.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	case d < 24*time.Hour:
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	default:
		return t.Format("Jan 2 15:04")
	}
}
