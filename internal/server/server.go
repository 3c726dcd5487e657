package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"sectionreg/internal/pipeline"
	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
	"sectionreg/internal/tasks"
)

// Store is the read side of the results index used by the HTTP API.
type Store interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
	RunJobs(id string) ([]storage.JobRecord, error)
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunRecords(id string) ([]registration.Record, error)
}

// Queue accepts jobs and publishes their results.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server wraps the HTTP API with optional results directory watching.
type Server struct {
	addr       string
	store      Store
	pipeline   Queue
	namer      *slicenaming.Namer
	delimiter  string
	watchPaths []string
	outputDirs []string
	log        *slog.Logger
	hub        *Hub
	server     *http.Server
}

// Options configures NewServer.
type Options struct {
	Addr       string
	Namer      *slicenaming.Namer
	Delimiter  string   // default delimiter for ?format=table
	WatchPaths []string // results directories to import from automatically
	// OutputDirs bounds where submitted jobs may write. Jobs naming an output
	// elsewhere are refused; with no OutputDirs only default outputs are allowed.
	OutputDirs []string
}

// NewServer creates a server over store and pipe.
func NewServer(opts Options, store Store, pipe Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:       opts.Addr,
		store:      store,
		pipeline:   pipe,
		namer:      opts.Namer,
		delimiter:  opts.Delimiter,
		watchPaths: opts.WatchPaths,
		outputDirs: cleanDirs(opts.OutputDirs),
		log:        log,
		hub:        NewHub(log),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupRegistrationRoutes(r)
	return r
}

// Start runs the hub, the optional watcher and the HTTP listener until ctx is
// done. It returns only after in-flight requests and the watcher have
// finished, so no job is submitted once Start has returned.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.forwardResults(ctx)
	}()

	if len(s.watchPaths) > 0 {
		w, err := tasks.NewResultsWatcher(s.watchPaths, s.log)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			w.Stop()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.Stop()
			pipeline.ImportOnChange(ctx, w.Events, s.pipeline, s.log)
		}()
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// streams end with the server
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Shutdown waits for in-flight handlers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("server shutdown", "error", err)
		}
	}()

	s.log.Info("server starting", "addr", s.addr, "watch", s.watchPaths)
	err := s.server.ListenAndServe()
	cancel()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// setupRoutes configures basic HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

// forwardResults relays pipeline results to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newJobEvent(res))
			if err != nil {
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

// jobEvent is the wire form of a pipeline.Result.
type jobEvent struct {
	ID    string           `json:"id"`
	Type  pipeline.JobType `json:"type"`
	Input string           `json:"input,omitempty"`
	Error string           `json:"error,omitempty"`
	Meta  map[string]any   `json:"meta,omitempty"`
}

func newJobEvent(res pipeline.Result) jobEvent {
	ev := jobEvent{ID: res.Job.ID, Type: res.Job.Type, Input: res.Job.InputPath, Meta: res.Meta}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	ID      string           `json:"id"`
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid job: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case pipeline.JobPlan, pipeline.JobImport, pipeline.JobExport, pipeline.JobAccumulate, pipeline.JobVerify:
	default:
		http.Error(w, "unknown job type: "+string(req.Type), http.StatusBadRequest)
		return
	}
	if err := s.checkOutput(req); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if req.ID == "" {
		req.ID = newJobID(req.Type)
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	req.Options["source"] = "http"

	job := pipeline.Job{ID: req.ID, Type: req.Type, InputPath: req.Input, Output: req.Output, Options: req.Options}
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

// checkOutput refuses jobs that would write outside the output directories.
// Export and accumulate without an output write next to their input.
func (s *Server) checkOutput(req submitRequest) error {
	target := req.Output
	if target == "" {
		switch req.Type {
		case pipeline.JobExport, pipeline.JobAccumulate:
			target = req.Input
		default:
			return nil
		}
	}
	if !s.writable(target) {
		return fmt.Errorf("output %q is outside the allowed output directories", target)
	}
	return nil
}

func (s *Server) writable(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, dir := range s.outputDirs {
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func cleanDirs(dirs []string) []string {
	var out []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if abs, err := filepath.Abs(d); err == nil {
			out = append(out, abs)
		}
	}
	return out
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
