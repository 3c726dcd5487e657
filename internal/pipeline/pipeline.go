package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sectionreg/internal/config"
	"sectionreg/internal/logging"
	"sectionreg/internal/storage"
)

// JobType names the registration step a Job runs.
type JobType string

const (
	JobPlan       JobType = "plan"
	JobImport     JobType = "import"
	JobExport     JobType = "export"
	JobAccumulate JobType = "accumulate"
	JobVerify     JobType = "verify"
)

var (
	// ErrQueueFull is returned by Submit when the job buffer has no room.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit once Stop has been called or the
	// pipeline context is done.
	ErrStopped = errors.New("pipeline stopped")
	// ErrCancelled is the error of queued jobs that never ran because the
	// pipeline context ended first.
	ErrCancelled = errors.New("job cancelled before it ran")
)

// Job status values written to the job store.
const (
	StatusQueued    = "queued"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one queued registration step. InputPath is the results file for
// import/export/accumulate; Output is the file the step writes, if any.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Options   map[string]any
}

// Result captures the outcome of a Job. Meta key "run" carries the indexed
// run id, "output" the written file and "results" the indexed file.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// RunID returns the run a job indexed, if any.
func (r Result) RunID() string {
	id, _ := r.Meta["run"].(string)
	return id
}

// ResultPath returns the file a job produced or indexed.
func (r Result) ResultPath() string {
	if out, _ := r.Meta["output"].(string); out != "" {
		return out
	}
	path, _ := r.Meta["results"].(string)
	return path
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// JobStore records the life cycle of queued jobs.
type JobStore interface {
	RecordJobQueued(rec storage.JobRecord) error
	RecordJobStart(id string) error
	RecordJobResult(id string, out storage.JobOutcome) error
}

// Pipeline runs jobs on a fixed set of workers. Stop drains the queue: jobs
// accepted before Stop still run, and Submit afterwards returns ErrStopped.
// When the context passed to New ends, queued jobs are recorded as cancelled
// instead of running.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      JobStore // nil when no index is configured

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Job
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	subs      map[int]chan Result
	nextSubID int
	stopOnce  sync.Once
}

// New creates a Pipeline with concurrency workers routing jobs to the
// registration tasks. store may be nil.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	var jobs JobStore
	if store != nil {
		jobs = store
	}
	return newPipeline(ctx, concurrency, logger, jobs, newRouter(logger, store, cfg))
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, jobs JobStore, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      jobs,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan Job, concurrency*2),
		subs:      make(map[int]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	context.AfterFunc(ctx, p.closeQueue)
	return p
}

// Submit queues job without blocking.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.ctx.Err() != nil {
		p.reject(job, ErrStopped)
		return ErrStopped
	}
	p.recordQueued(job, StatusQueued)
	select {
	case p.queue <- job:
		return nil
	default:
		p.reject(job, ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop closes the queue, waits for the queued jobs to finish and closes
// every subscriber channel.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.closeQueue()
		p.wg.Wait()
		p.cancel()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		if err := p.ctx.Err(); err != nil {
			res := Result{Job: job, Error: fmt.Errorf("%w: %v", ErrCancelled, err)}
			p.log.Warn("job dropped", "type", job.Type, "id", job.ID, "worker", id)
			p.finish(res, StatusCancelled)
			continue
		}
		p.run(job)
	}
}

func (p *Pipeline) run(job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)
	if p.jobs != nil {
		if err := p.jobs.RecordJobStart(job.ID); err != nil {
			p.log.Warn("record job start", "id", job.ID, "error", err)
		}
	}

	res := p.processor.Process(p.ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := StatusCompleted
	switch {
	case res.Error == nil:
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	case errors.Is(res.Error, context.Canceled):
		status = StatusCancelled
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, nil)
	default:
		status = StatusFailed
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	}
	p.finish(res, status)
}

// finish records the outcome and publishes it.
func (p *Pipeline) finish(res Result, status string) {
	if p.jobs != nil {
		out := storage.JobOutcome{
			Status:     status,
			RunID:      res.RunID(),
			ResultPath: res.ResultPath(),
			Meta:       res.Meta,
		}
		if res.Error != nil {
			out.Error = res.Error.Error()
		}
		if err := p.jobs.RecordJobResult(res.Job.ID, out); err != nil {
			p.log.Warn("record job result", "id", res.Job.ID, "error", err)
		}
	}
	p.broadcast(res)
}

// recordQueued and reject run with p.mu held.
func (p *Pipeline) recordQueued(job Job, status string) {
	if p.jobs == nil {
		return
	}
	opts, _ := json.Marshal(job.Options)
	err := p.jobs.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      status,
		InputPath:   job.InputPath,
		OutputPath:  job.Output,
		OptionsJSON: string(opts),
	})
	if err != nil {
		p.log.Warn("record job queued", "id", job.ID, "error", err)
	}
}

func (p *Pipeline) reject(job Job, reason error) {
	p.log.Warn("job rejected", "type", job.Type, "id", job.ID, "reason", reason)
	if p.jobs == nil {
		return
	}
	p.recordQueued(job, StatusRejected)
	if err := p.jobs.RecordJobResult(job.ID, storage.JobOutcome{Status: StatusRejected, Error: reason.Error()}); err != nil {
		p.log.Warn("record job result", "id", job.ID, "error", err)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
