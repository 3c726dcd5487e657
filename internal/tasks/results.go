package tasks

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sectionreg/internal/registration"
	"sectionreg/internal/storage"
)

// RunImporter persists the records of one results file.
type RunImporter interface {
	ImportRun(ctx context.Context, resultsPath string, swapped bool, records []registration.Record) (storage.RunRecord, error)
}

// ImportResult describes an imported results file.
type ImportResult struct {
	Run     storage.RunRecord
	Summary registration.Summary
}

// ImportResults reads a results file and stores it as a new run.
func ImportResults(ctx context.Context, store RunImporter, path string, swap bool) (ImportResult, error) {
	if store == nil {
		return ImportResult{}, fmt.Errorf("import: no results index configured")
	}
	records, err := registration.ReadFile(path, swap)
	if err != nil {
		return ImportResult{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	run, err := store.ImportRun(ctx, abs, swap, records)
	if err != nil {
		return ImportResult{}, fmt.Errorf("import %s: %w", path, err)
	}
	return ImportResult{Run: run, Summary: registration.Summarize(records)}, nil
}

// ExportRequest names a results file and where its text form goes.
type ExportRequest struct {
	Input     string
	Output    string // derived from Input when empty
	Swap      bool
	Delimiter string // tab, comma, space or a literal
}

// ExportResult describes a written table.
type ExportResult struct {
	OutputFile string
	Rows       int
	Incomplete [][2]int32 // accumulate only
}

// ExportTable writes every record of a results file as a delimited table.
func ExportTable(ctx context.Context, req ExportRequest) (ExportResult, error) {
	records, err := registration.ReadFile(req.Input, req.Swap)
	if err != nil {
		return ExportResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ExportResult{}, err
	}
	out := req.Output
	if out == "" {
		out = derivedOutput(req.Input, "", req.Delimiter)
	}
	delim := registration.Delimiter(req.Delimiter)
	err = writeAtomic(out, func(w *bufio.Writer) error {
		return registration.WriteTable(w, records, delim)
	})
	if err != nil {
		return ExportResult{}, err
	}
	return ExportResult{OutputFile: out, Rows: len(records)}, nil
}

// ExportOffsets accumulates pair translations into per-slice offsets and
// writes them as a delimited table.
func ExportOffsets(ctx context.Context, req ExportRequest) (ExportResult, error) {
	records, err := registration.ReadFile(req.Input, req.Swap)
	if err != nil {
		return ExportResult{}, err
	}
	acc, err := registration.Accumulate(records)
	if err != nil {
		return ExportResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ExportResult{}, err
	}
	out := req.Output
	if out == "" {
		out = derivedOutput(req.Input, "-offsets", req.Delimiter)
	}
	delim := registration.Delimiter(req.Delimiter)
	err = writeAtomic(out, func(w *bufio.Writer) error {
		return registration.WriteOffsets(w, acc.Offsets, delim)
	})
	if err != nil {
		return ExportResult{}, err
	}
	return ExportResult{OutputFile: out, Rows: len(acc.Offsets), Incomplete: acc.Incomplete}, nil
}

func derivedOutput(input, tag, delimiter string) string {
	ext := ".txt"
	if registration.Delimiter(delimiter) == "," {
		ext = ".csv"
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + tag + ext
}

// writeAtomic writes path through a temporary file in the same directory and
// renames it into place once fn succeeds.
func writeAtomic(path string, fn func(w *bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := fn(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
