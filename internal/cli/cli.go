package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"sectionreg/internal/config"
	"sectionreg/internal/grpcserver"
	"sectionreg/internal/pipeline"
	"sectionreg/internal/server"
	"sectionreg/internal/storage"
	"sectionreg/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serveOptions struct {
	HTTPAddr   string
	GRPCAddr   string
	WatchPaths []string
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

type watchFunc func(ctx context.Context, r *Root, dirs []string) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	watchFn  watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

// defaultServe runs the HTTP API and the gRPC service until ctx is done.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	q, ok := r.pipeline.(server.Queue)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	namer, err := r.cfg.Namer()
	if err != nil {
		return err
	}
	if r.store == nil {
		return fmt.Errorf("serve requires a results index")
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.HTTPAddr != "" {
		srv := server.NewServer(server.Options{
			Addr:       opts.HTTPAddr,
			Namer:      namer,
			Delimiter:  r.cfg.Export.Delimiter,
			WatchPaths: opts.WatchPaths,
			OutputDirs: []string{r.cfg.Paths.ResultsDir, r.cfg.Paths.DefaultOutput},
		}, r.store, q, r.log)
		g.Go(func() error {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}
	if opts.GRPCAddr != "" {
		svc := grpcserver.New(r.store, namer, r.log)
		g.Go(func() error {
			if err := svc.Serve(ctx, opts.GRPCAddr); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// defaultWatch imports results files from dirs as they settle.
func defaultWatch(ctx context.Context, r *Root, dirs []string) error {
	w, err := tasks.NewResultsWatcher(dirs, r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()
	pipeline.ImportOnChange(ctx, w.Events, r.pipeline, r.log)
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.IntN(10000))
}
