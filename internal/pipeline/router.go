package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"sectionreg/internal/config"
	"sectionreg/internal/imaging"
	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
	"sectionreg/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	cfg       *config.Config
	importer  tasks.RunImporter
	newProber func() imaging.Prober
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &router{
		log:       logger,
		cfg:       cfg,
		newProber: func() imaging.Prober { return imaging.NewMagickProber() },
	}
	// A nil *Store must stay a nil interface so the import task can report it.
	if store != nil {
		r.importer = store
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobPlan:
		return r.handlePlan(ctx, job)
	case JobImport:
		return r.handleImport(ctx, job)
	case JobExport:
		return r.handleExport(ctx, job)
	case JobAccumulate:
		return r.handleAccumulate(ctx, job)
	case JobVerify:
		return r.handleVerify(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// namer builds the stack namer, letting the job override the parent directory.
func (r *router) namer(job Job) (*slicenaming.Namer, error) {
	stack := r.cfg.Stack.Config
	if dir := getStringOption(job.Options, "stackDir"); dir != "" {
		stack.ParentDirectory = dir
	}
	return slicenaming.NewFromConfig(stack)
}

func (r *router) prober(job Job) imaging.Prober {
	if getBoolOption(job.Options, "probe") && r.newProber != nil {
		return r.newProber()
	}
	return nil
}

func (r *router) handlePlan(ctx context.Context, job Job) Result {
	n, err := r.namer(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	first := getIntOption(job.Options, "first", 0)
	last := getIntOption(job.Options, "last", n.MaxSlice())
	scaling := getFloat64Option(job.Options, "scaling")
	if scaling == 0 {
		scaling = r.cfg.Stack.Scaling
	}
	output := job.Output
	if output == "" {
		output = filepath.Join(r.cfg.Paths.ResultsDir, fmt.Sprintf("plan-%s%s", job.ID, registration.FileExt))
	}

	res, err := tasks.PlanPairs(ctx, tasks.PlanRequest{
		Namer:   n,
		First:   first,
		Last:    last,
		Scaling: scaling,
		Output:  output,
		Prober:  r.prober(job),
	})
	meta := map[string]any{
		"output": res.OutputFile,
		"pairs":  res.Pairs,
		"probed": res.Probed,
		"first":  first,
		"last":   last,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) swap(job Job) bool {
	if v, ok := job.Options["swap"].(bool); ok {
		return v
	}
	return r.cfg.Stack.SwapBytes
}

func (r *router) handleImport(ctx context.Context, job Job) Result {
	res, err := tasks.ImportResults(ctx, r.importer, job.InputPath, r.swap(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"run":        res.Run.ID,
		"results":    res.Run.ResultsPath,
		"replaced":   res.Run.Replaced,
		"records":    res.Run.RecordCount,
		"complete":   res.Run.CompleteCount,
		"meanXTrans": res.Summary.MeanXTrans,
		"meanYTrans": res.Summary.MeanYTrans,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) exportRequest(job Job) tasks.ExportRequest {
	delim := getStringOption(job.Options, "delimiter")
	if delim == "" {
		delim = r.cfg.Export.Delimiter
	}
	return tasks.ExportRequest{
		Input:     job.InputPath,
		Output:    job.Output,
		Swap:      r.swap(job),
		Delimiter: delim,
	}
}

func (r *router) handleExport(ctx context.Context, job Job) Result {
	res, err := tasks.ExportTable(ctx, r.exportRequest(job))
	meta := map[string]any{
		"output": res.OutputFile,
		"rows":   res.Rows,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleAccumulate(ctx context.Context, job Job) Result {
	res, err := tasks.ExportOffsets(ctx, r.exportRequest(job))
	incomplete := make([]string, len(res.Incomplete))
	for i, p := range res.Incomplete {
		incomplete[i] = fmt.Sprintf("%d-%d", p[0], p[1])
	}
	if len(incomplete) > 0 {
		r.log.Warn("incomplete pairs contributed zero translation", "job", job.ID, "pairs", incomplete)
	}
	meta := map[string]any{
		"output":     res.OutputFile,
		"slices":     res.Rows,
		"incomplete": incomplete,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleVerify(ctx context.Context, job Job) Result {
	n, err := r.namer(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := tasks.VerifyStack(ctx, tasks.VerifyRequest{
		Namer:  n,
		First:  getIntOption(job.Options, "first", 0),
		Last:   getIntOption(job.Options, "last", n.MaxSlice()),
		Prober: r.prober(job),
	})
	meta := map[string]any{
		"present":    len(res.Present),
		"missing":    res.Missing,
		"mismatched": res.Mismatched,
		"bytes":      res.Bytes,
		"ok":         err == nil && res.OK(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

// getIntOption accepts int and the float64 that JSON decoding produces.
func getIntOption(options map[string]any, key string, def int) int {
	switch val := options[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return def
}
