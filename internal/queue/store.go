// Package queue implements the durable task queue: TaskStateStore
// (tasks.json persistence), TaskQueue (in-memory state machine), and the
// TaskProcessor worker loop that drains it through the orchestrator.
// Grounded on cmd/ingest/main.go's loadState/saveState pair and its
// ticker/signal-context worker loop shape, and on the tmp-then-rename
// atomic-write idiom seen throughout the reference pack's persistence
// helpers.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

const stateVersion = "1.0"

type stateFile struct {
	Version     string       `json:"version"`
	LastUpdated time.Time    `json:"lastUpdated"`
	Tasks       []model.Task `json:"tasks"`
}

// TaskStateStore persists the task list to tasks.json, atomically.
type TaskStateStore struct {
	mu   sync.Mutex
	path string
}

// NewTaskStateStore builds a TaskStateStore writing to path.
func NewTaskStateStore(path string) *TaskStateStore {
	return &TaskStateStore{path: path}
}

// Load reads tasks.json. A missing file returns an empty list. A
// corrupt/unparseable file is backed up to path+".backup.{timestamp}" and
// an empty list is returned, per the CorruptStateFile disposition.
func (s *TaskStateStore) Load() ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, model.Wrap("TaskStateStore.Load", s.path, model.ErrStoreIO)
	}

	var sf stateFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		backupPath := fmt.Sprintf("%s.backup.%d", s.path, time.Now().UTC().UnixNano())
		if backupErr := os.WriteFile(backupPath, raw, 0o644); backupErr != nil {
			return nil, model.Wrap("TaskStateStore.Load", "backup failed: "+backupErr.Error(), model.ErrStoreIO)
		}
		return nil, nil
	}
	return sf.Tasks, nil
}

// Save writes tasks to tasks.json atomically (write to .tmp, then
// rename), two-space indented, with a fresh lastUpdated timestamp.
func (s *TaskStateStore) Save(tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]model.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	sf := stateFile{Version: stateVersion, LastUpdated: time.Now().UTC(), Tasks: sorted}
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return model.Wrap("TaskStateStore.Save", "marshal", model.ErrStoreIO)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return model.Wrap("TaskStateStore.Save", s.path, model.ErrStoreIO)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return model.Wrap("TaskStateStore.Save", "write", model.ErrStoreIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return model.Wrap("TaskStateStore.Save", "close", model.ErrStoreIO)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return model.Wrap("TaskStateStore.Save", "rename", model.ErrStoreIO)
	}
	return nil
}
