package taskstore

import "time"

// Task statuses. Transitions are unconstrained beyond membership in
// this set; the loop derives everything else from notes.
const (
	StatusPending       = "pending"
	StatusInProgress    = "in_progress"
	StatusPendingReview = "pending_review"
	StatusBlocked       = "blocked"
	StatusCompleted     = "completed"
	StatusCancelled     = "cancelled"
)

var statusOrder = []string{
	StatusPending,
	StatusInProgress,
	StatusPendingReview,
	StatusBlocked,
	StatusCompleted,
	StatusCancelled,
}

var statusSet = func() map[string]bool {
	m := make(map[string]bool, len(statusOrder))
	for _, s := range statusOrder {
		m[s] = true
	}
	return m
}()

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	return statusSet[s]
}

// Statuses returns the known statuses in display order.
func Statuses() []string {
	out := make([]string, len(statusOrder))
	copy(out, statusOrder)
	return out
}

type ProjectConfig struct {
	Name         string            `json:"name"`
	DefaultAgent string            `json:"default_agent,omitempty"`
	Created      time.Time         `json:"created"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Note is an append-only annotation on a task. The loop records
// failure notes here; humans and agents add guidance the same way.
type Note struct {
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	Ref         string    `json:"ref"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	SpecRef     string    `json:"spec_ref,omitempty"`
	Notes       []Note    `json:"notes,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// Spec is an acceptance record a task can point at via SpecRef.
type Spec struct {
	Ref         string    `json:"ref"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Criteria    []string  `json:"criteria,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}
