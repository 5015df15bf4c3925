package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/ids"
	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// EventPublisher receives a task's state after every transition. The
// queue's own mutex is never held during publish, mirroring the spec's
// requirement that persistent I/O and notification happen outside the
// lock.
type EventPublisher func(task model.Task)

// TaskQueue is the in-memory task state machine, lazily hydrated from a
// TaskStateStore and re-persisted on every mutation.
type TaskQueue struct {
	store     *TaskStateStore
	publish   EventPublisher
	now       func() time.Time
	maxRetries int

	loadOnce sync.Once
	mu       sync.Mutex
	tasks    map[string]model.Task
}

// New creates a TaskQueue backed by store. publish may be nil (events
// dropped). defaultMaxRetries seeds Task.MaxRetries for newly enqueued
// tasks.
func New(store *TaskStateStore, publish EventPublisher, defaultMaxRetries int) *TaskQueue {
	if publish == nil {
		publish = func(model.Task) {}
	}
	return &TaskQueue{store: store, publish: publish, now: time.Now, maxRetries: defaultMaxRetries, tasks: make(map[string]model.Task)}
}

func (q *TaskQueue) ensureLoaded() {
	q.loadOnce.Do(func() {
		loaded, err := q.store.Load()
		if err != nil {
			return
		}
		q.mu.Lock()
		for _, t := range loaded {
			q.tasks[t.TaskID] = t
		}
		q.mu.Unlock()
	})
}

func (q *TaskQueue) snapshot() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	return out
}

func (q *TaskQueue) persist() {
	q.store.Save(q.snapshot())
}

// Enqueue inserts a new Pending task and returns its id.
func (q *TaskQueue) Enqueue(documentID, content, filePath string) string {
	q.ensureLoaded()
	now := q.now()
	taskID := ids.Task(documentID, content, now.Format(time.RFC3339Nano))
	task := model.Task{
		TaskID:        taskID,
		DocumentID:    documentID,
		RagDocumentID: ids.Doc(content),
		Content:       content,
		FilePath:      filePath,
		Status:        model.StatusPending,
		CreatedAt:     now,
		Priority:      0,
		MaxRetries:    q.maxRetries,
	}
	q.mu.Lock()
	q.tasks[taskID] = task
	q.mu.Unlock()
	q.persist()
	q.publish(task)
	return taskID
}

// NextPending returns the lowest-priority Pending task, ties broken by
// earliest createdAt.
func (q *TaskQueue) NextPending() (model.Task, bool) {
	q.ensureLoaded()
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *model.Task
	for id := range q.tasks {
		t := q.tasks[id]
		if t.Status != model.StatusPending {
			continue
		}
		if best == nil || t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return model.Task{}, false
	}
	return *best, true
}

// UpdateStatus transitions taskID to status. Completed/Failed removes the
// task from memory and disk, then publishes its final state.
func (q *TaskQueue) UpdateStatus(taskID string, status model.TaskStatus, errMessage string) {
	q.ensureLoaded()
	now := q.now()

	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Status = status
	if status == model.StatusProcessing && task.StartedAt == nil {
		t := now
		task.StartedAt = &t
	}
	if status == model.StatusFailed {
		task.ErrorMessage = errMessage
	}
	finished := status == model.StatusCompleted || status == model.StatusFailed
	if finished {
		t := now
		task.CompletedAt = &t
		delete(q.tasks, taskID)
	} else {
		q.tasks[taskID] = task
	}
	q.mu.Unlock()

	q.persist()
	q.publish(task)
}

// UpdateProgress advances a running task's stage/progress. Ignored for
// tasks no longer tracked (already finished). progress of nil leaves
// Progress untouched (stage-only update); otherwise it is clamped to
// [0,100].
func (q *TaskQueue) UpdateProgress(taskID string, stage model.Stage, progress *int) {
	q.ensureLoaded()

	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.CurrentStage = stage
	if progress != nil {
		clamped := *progress
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 100 {
			clamped = 100
		}
		task.Progress = &clamped
	}
	q.tasks[taskID] = task
	q.mu.Unlock()

	q.persist()
	q.publish(task)
}

// Reorder changes a task's priority.
func (q *TaskQueue) Reorder(taskID string, newPriority int) {
	q.ensureLoaded()
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Priority = newPriority
	q.tasks[taskID] = task
	q.mu.Unlock()
	q.persist()
	q.publish(task)
}

// Delete removes a non-Processing task. It is a no-op otherwise.
func (q *TaskQueue) Delete(taskID string) bool {
	q.ensureLoaded()
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status == model.StatusProcessing {
		q.mu.Unlock()
		return false
	}
	delete(q.tasks, taskID)
	q.mu.Unlock()
	q.persist()
	return true
}

// Retry resets a Failed task (with retries remaining) back to Pending.
func (q *TaskQueue) Retry(taskID string) bool {
	q.ensureLoaded()
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok || task.Status != model.StatusFailed || task.RetryCount >= task.MaxRetries {
		q.mu.Unlock()
		return false
	}
	task.RetryCount++
	task.ErrorMessage = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Progress = nil
	task.CurrentStage = ""
	task.Status = model.StatusPending
	q.tasks[taskID] = task
	q.mu.Unlock()
	q.persist()
	q.publish(task)
	return true
}

// StopAll marks every Pending/Processing task as Failed with message
// "stopped", returning the count affected.
func (q *TaskQueue) StopAll() int {
	q.ensureLoaded()
	now := q.now()

	q.mu.Lock()
	var affected []model.Task
	for id, t := range q.tasks {
		if t.Status != model.StatusPending && t.Status != model.StatusProcessing {
			continue
		}
		t.Status = model.StatusFailed
		t.ErrorMessage = "stopped"
		completed := now
		t.CompletedAt = &completed
		delete(q.tasks, id)
		affected = append(affected, t)
	}
	q.mu.Unlock()

	q.persist()
	for _, t := range affected {
		q.publish(t)
	}
	return len(affected)
}

// HasProcessing reports whether any task is currently Processing.
func (q *TaskQueue) HasProcessing() bool {
	q.ensureLoaded()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.Status == model.StatusProcessing {
			return true
		}
	}
	return false
}

// Len reports the number of tasks currently tracked in memory (pending,
// processing, or otherwise not yet pruned).
func (q *TaskQueue) Len() int {
	q.ensureLoaded()
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// GetByDocumentIds returns tasks whose DocumentID is in ids, ordered by
// createdAt.
func (q *TaskQueue) GetByDocumentIds(docIDs []string) []model.Task {
	q.ensureLoaded()
	want := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		want[id] = true
	}
	q.mu.Lock()
	var out []model.Task
	for _, t := range q.tasks {
		if want[t.DocumentID] {
			out = append(out, t)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ClearAll wipes both memory and disk state.
func (q *TaskQueue) ClearAll() {
	q.ensureLoaded()
	q.mu.Lock()
	q.tasks = make(map[string]model.Task)
	q.mu.Unlock()
	q.persist()
}
