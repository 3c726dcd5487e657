package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"sectionreg/internal/pipeline"
	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
	"sectionreg/internal/storage"
)

// setupRegistrationRoutes adds the results index and slice naming endpoints
func (s *Server) setupRegistrationRoutes(r *mux.Router) {
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/records", s.handleRunRecords).Methods("GET")
	r.HandleFunc("/runs/{id}/jobs", s.handleRunJobs).Methods("GET")
	r.HandleFunc("/slices/{n}", s.handleSlice).Methods("GET")
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Run(mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunJobs lists the jobs that indexed or read a run.
func (s *Server) handleRunJobs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Run(id); err != nil {
		storeError(w, err)
		return
	}
	jobs, err := s.store.RunJobs(id)
	if err != nil {
		storeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleRunRecords returns a run's records as JSON, or with ?format=table as
// the delimited text table (?delimiter=comma|tab|space overrides the default).
func (s *Server) handleRunRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunRecords(mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}

	q := r.URL.Query()
	switch q.Get("format") {
	case "", "json":
		if recs == nil {
			recs = []registration.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	case "table":
		delim := q.Get("delimiter")
		if delim == "" {
			delim = s.delimiter
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := registration.WriteTable(w, recs, registration.Delimiter(delim)); err != nil {
			s.log.Warn("write table", "error", err)
		}
	case "summary":
		writeJSON(w, http.StatusOK, registration.Summarize(recs))
	default:
		http.Error(w, "unknown format "+strconv.Quote(q.Get("format")), http.StatusBadRequest)
	}
}

type sliceResponse struct {
	Slice    int    `json:"slice"`
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request) {
	if s.namer == nil {
		http.Error(w, "slice naming not configured", http.StatusServiceUnavailable)
		return
	}
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		http.Error(w, "slice must be an integer", http.StatusBadRequest)
		return
	}
	name, err := s.namer.FileName(n)
	if errors.Is(err, slicenaming.ErrInvalidSliceIndex) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	path, _ := s.namer.FullPath(n)
	_, statErr := os.Stat(path)
	writeJSON(w, http.StatusOK, sliceResponse{Slice: n, FileName: name, Path: path, Exists: statErr == nil})
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// limitParam parses ?limit, keeping it within 1..500.
func limitParam(r *http.Request, def int) int {
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 && parsed <= 500 {
		return parsed
	}
	return def
}

func newJobID(t pipeline.JobType) string {
	return fmt.Sprintf("%s-%s-%s", t, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
