package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotPath returns the per-iteration context snapshot path.
func SnapshotPath(dir, id string, iteration int) string {
	return filepath.Join(dir, id, fmt.Sprintf("context-%d.json", iteration))
}

// WriteSnapshot stores an opaque context blob for one iteration.
// Snapshots are diagnostic artifacts; loop correctness never depends
// on reading them back.
func WriteSnapshot(dir, id string, iteration int, payload any) (string, error) {
	if err := os.MkdirAll(SessionDir(dir, id), 0755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	path := SnapshotPath(dir, id, iteration)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot loads one iteration's context blob.
func ReadSnapshot(dir, id string, iteration int) (json.RawMessage, error) {
	data, err := os.ReadFile(SnapshotPath(dir, id, iteration))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
