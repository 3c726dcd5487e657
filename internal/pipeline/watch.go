package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"sectionreg/internal/tasks"
)

// Submitter queues jobs.
type Submitter interface {
	Submit(job Job) error
}

// ImportOnChange submits an import job for every settled results file event
// until ctx is done or events is closed. Deleted and empty files are skipped.
func ImportOnChange(ctx context.Context, events <-chan tasks.FileSystemEvent, q Submitter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Operation == "deleted" || ev.Size == 0 {
				continue
			}
			job := Job{
				ID:        "import-" + uuid.NewString(),
				Type:      JobImport,
				InputPath: ev.Path,
				Options:   map[string]any{"source": "watcher", "operation": ev.Operation},
			}
			if err := q.Submit(job); err != nil {
				if errors.Is(err, ErrQueueFull) {
					logger.Warn("dropping results file event, queue full", "path", ev.Path)
					continue
				}
				logger.Error("submit import job", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("results file changed, import queued", "path", ev.Path, "job", job.ID)
		}
	}
}
