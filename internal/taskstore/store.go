package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const TaskloopDir = ".taskloop"

const maxSlugLen = 48

type Store struct {
	root string // path to .taskloop directory
	mu   sync.RWMutex
}

func New(projectDir string) (*Store, error) {
	root := filepath.Join(projectDir, TaskloopDir)
	return &Store{root: root}, nil
}

func (s *Store) Init(config ProjectConfig) error {
	dirs := []string{
		s.root,
		filepath.Join(s.root, "tasks"),
		filepath.Join(s.root, "specs"),
		filepath.Join(s.root, "sessions"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	config.Created = time.Now().UTC()
	return s.writeJSON(filepath.Join(s.root, "project.json"), config)
}

func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.root, "project.json"))
	return err == nil
}

func (s *Store) Root() string {
	return s.root
}

// SessionsDir is where the session event store keeps its per-session
// directories.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

// Project config

func (s *Store) LoadProject() (*ProjectConfig, error) {
	var config ProjectConfig
	if err := s.readJSON(filepath.Join(s.root, "project.json"), &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (s *Store) SaveProject(config *ProjectConfig) error {
	return s.writeJSON(filepath.Join(s.root, "project.json"), config)
}

// Tasks

func (s *Store) CreateTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "tasks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if task.Ref != "" {
		if _, err := os.Stat(filepath.Join(dir, task.Ref+".json")); err == nil {
			return fmt.Errorf("task %s already exists", task.Ref)
		}
	} else {
		task.Ref = uniqueRef(dir, slugify(task.Title))
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if !ValidStatus(task.Status) {
		return fmt.Errorf("unknown task status %q", task.Status)
	}
	task.Created = time.Now().UTC()
	task.Updated = task.Created
	return s.writeJSON(filepath.Join(dir, task.Ref+".json"), task)
}

func (s *Store) GetTask(ref string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTask(ref)
}

// ListTasks returns tasks sorted by creation time. A non-empty status
// filters the result.
func (s *Store) ListTasks(status string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, "tasks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var tasks []Task
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var task Task
		if err := s.readJSON(filepath.Join(dir, e.Name()), &task); err != nil {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].Created.Equal(tasks[j].Created) {
			return tasks[i].Created.Before(tasks[j].Created)
		}
		return tasks[i].Ref < tasks[j].Ref
	})
	return tasks, nil
}

func (s *Store) SetStatus(ref, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown task status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(ref)
	if err != nil {
		return err
	}
	task.Status = status
	task.Updated = time.Now().UTC()
	return s.writeJSON(s.taskPath(ref), task)
}

// AddNote appends a note to a task. Notes are never edited or removed
// through this API.
func (s *Store) AddNote(ref, text, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.readTask(ref)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.Notes = append(task.Notes, Note{Text: text, Author: author, CreatedAt: now})
	task.Updated = now
	return s.writeJSON(s.taskPath(ref), task)
}

// Specs

func (s *Store) CreateSpec(spec *Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "specs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if spec.Ref != "" {
		if _, err := os.Stat(filepath.Join(dir, spec.Ref+".json")); err == nil {
			return fmt.Errorf("spec %s already exists", spec.Ref)
		}
	} else {
		spec.Ref = uniqueRef(dir, slugify(spec.Title))
	}
	spec.Created = time.Now().UTC()
	spec.Updated = spec.Created
	return s.writeJSON(filepath.Join(dir, spec.Ref+".json"), spec)
}

func (s *Store) GetSpec(ref string) (*Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var spec Spec
	if err := s.readJSON(filepath.Join(s.root, "specs", ref+".json"), &spec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("spec %s not found", ref)
		}
		return nil, err
	}
	return &spec, nil
}

func (s *Store) ListSpecs() ([]Spec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, "specs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var specs []Spec
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var spec Spec
		if err := s.readJSON(filepath.Join(dir, e.Name()), &spec); err != nil {
			continue
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool {
		if !specs[i].Created.Equal(specs[j].Created) {
			return specs[i].Created.Before(specs[j].Created)
		}
		return specs[i].Ref < specs[j].Ref
	})
	return specs, nil
}

// Helpers

func (s *Store) taskPath(ref string) string {
	return filepath.Join(s.root, "tasks", ref+".json")
}

func (s *Store) readTask(ref string) (*Task, error) {
	var task Task
	if err := s.readJSON(s.taskPath(ref), &task); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s not found", ref)
		}
		return nil, err
	}
	return &task, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// slugify turns a title into a filesystem-friendly ref.
func slugify(title string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(title) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

func uniqueRef(dir, base string) string {
	ref := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, ref+".json")); os.IsNotExist(err) {
			return ref
		}
		ref = fmt.Sprintf("%s-%d", base, n)
	}
}
