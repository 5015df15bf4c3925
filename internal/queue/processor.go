package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// Inserter is the subset of the orchestrator the TaskProcessor drives.
type Inserter interface {
	Insert(ctx context.Context, content, ragDocumentID, filePath string) (string, error)
}

// Processor is the long-lived worker draining TaskQueue through an
// Inserter, translating its progress events into queue updates. Grounded
// on cmd/ingest/main.go's ticker-driven, signal.NotifyContext-cancelled
// main loop, adapted from a directory-scan poll to a NextPending() poll.
type Processor struct {
	queue        *TaskQueue
	bus          *ProgressBus
	orchestrator Inserter
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewProcessor builds a Processor. bus is the same ProgressBus the
// orchestrator publishes TaskState events onto.
func NewProcessor(queue *TaskQueue, bus *ProgressBus, orchestrator Inserter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{queue: queue, bus: bus, orchestrator: orchestrator, logger: logger, pollInterval: 5 * time.Second}
}

// Run restores any crashed Processing task to Pending, then loops: poll
// for a Pending task, process it end to end, and repeat until
// shutdownCtx is done. shutdownCtx's cancellation cause is the signal
// distinguishing a shutdown-triggered abort (task resets to Pending) from
// a caller-triggered one (task marked Failed).
func (p *Processor) Run(shutdownCtx context.Context) error {
	p.restoreCrashed()

	for {
		if shutdownCtx.Err() != nil {
			return nil
		}

		task, ok := p.queue.NextPending()
		if !ok {
			select {
			case <-shutdownCtx.Done():
				return nil
			case <-time.After(p.pollInterval):
				continue
			}
		}

		p.runOne(shutdownCtx, task)
	}
}

func (p *Processor) restoreCrashed() {
	for _, t := range p.queue.snapshot() {
		if t.Status == model.StatusProcessing {
			p.queue.UpdateStatus(t.TaskID, model.StatusPending, "")
		}
	}
}

func (p *Processor) runOne(shutdownCtx context.Context, task model.Task) {
	p.queue.UpdateStatus(task.TaskID, model.StatusProcessing, "")

	ch, unsubscribe := p.bus.Subscribe()
	defer unsubscribe()

	taskCtx, cancel := context.WithCancelCause(shutdownCtx)
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if event.DocID != task.RagDocumentID {
					continue
				}
				p.forwardProgress(task.TaskID, event)
				if event.Stage == model.StageCompleted {
					return
				}
			case <-taskCtx.Done():
				return
			}
		}
	}()

	_, err := p.orchestrator.Insert(taskCtx, task.Content, task.RagDocumentID, task.FilePath)
	cancel(nil)
	<-done

	switch {
	case err == nil:
		p.queue.UpdateStatus(task.TaskID, model.StatusCompleted, "")
	case isShutdownCancellation(shutdownCtx, taskCtx):
		p.queue.UpdateStatus(task.TaskID, model.StatusPending, "")
	default:
		p.queue.UpdateStatus(task.TaskID, model.StatusFailed, err.Error())
	}
}

func (p *Processor) forwardProgress(taskID string, event model.TaskState) {
	if event.Stage.IsCountable() && event.Total > 0 {
		pct := (event.Current * 100) / event.Total
		p.queue.UpdateProgress(taskID, event.Stage, &pct)
		return
	}
	p.queue.UpdateProgress(taskID, event.Stage, nil)
}

// isShutdownCancellation distinguishes a cancellation caused by process
// shutdown from one scoped to the task itself, by comparing the task
// context's cancellation cause against the shutdown context's.
func isShutdownCancellation(shutdownCtx, taskCtx context.Context) bool {
	if shutdownCtx.Err() != nil {
		return true
	}
	cause := context.Cause(taskCtx)
	return errors.Is(cause, model.ErrCancelledShutdown)
}
