package tasks

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sectionreg/internal/registration"
)

// DefaultSettle is how long a results file must be quiet before its event fires.
const DefaultSettle = 500 * time.Millisecond

// FileSystemEvent represents a settled change to a results file.
type FileSystemEvent struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
	Size      int64     `json:"size"`
}

// ResultsWatcher monitors directories for results files. The queue controller
// appends one record per finished pair, so writes are coalesced per path until
// the file has been quiet for Settle.
type ResultsWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan FileSystemEvent
	Settle    time.Duration
	watchDirs []string
	log       *slog.Logger
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewResultsWatcher creates a watcher over watchPaths.
func NewResultsWatcher(watchPaths []string, logger *slog.Logger) (*ResultsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultsWatcher{
		watcher:   watcher,
		Events:    make(chan FileSystemEvent, 100),
		Settle:    DefaultSettle,
		watchDirs: watchPaths,
		log:       logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (rw *ResultsWatcher) Start() error {
	for _, dir := range rw.watchDirs {
		if err := rw.watcher.Add(dir); err != nil {
			return err
		}
		rw.log.Info("watching directory", "dir", dir)
	}
	rw.wg.Add(1)
	go rw.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (rw *ResultsWatcher) Stop() error {
	var err error
	rw.stopOnce.Do(func() {
		close(rw.done)
		err = rw.watcher.Close()
		rw.wg.Wait()
		close(rw.Events)
	})
	return err
}

func (rw *ResultsWatcher) processEvents() {
	defer rw.wg.Done()

	settle := rw.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	pending := map[string]FileSystemEvent{}
	tick := time.NewTicker(settle / 2)
	defer tick.Stop()

	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !isResultsFile(event.Name) {
				continue
			}
			var operation string
			switch {
			case event.Op.Has(fsnotify.Create):
				operation = "created"
			case event.Op.Has(fsnotify.Write):
				operation = "modified"
			case event.Op.Has(fsnotify.Remove):
				operation = "deleted"
			case event.Op.Has(fsnotify.Rename):
				operation = "renamed"
			default:
				continue
			}
			// A create followed by writes is still a create.
			if prev, ok := pending[event.Name]; ok && prev.Operation == "created" && operation == "modified" {
				operation = "created"
			}
			pending[event.Name] = FileSystemEvent{Path: event.Name, Operation: operation, Time: time.Now()}

		case now := <-tick.C:
			for path, ev := range pending {
				if now.Sub(ev.Time) < settle {
					continue
				}
				delete(pending, path)
				if info, err := os.Stat(path); err == nil {
					ev.Size = info.Size()
				}
				select {
				case rw.Events <- ev:
				default:
					rw.log.Warn("event buffer full, dropping event", "path", path)
				}
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.log.Error("filesystem watcher error", "error", err)

		case <-rw.done:
			return
		}
	}
}

func isResultsFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), registration.FileExt)
}
