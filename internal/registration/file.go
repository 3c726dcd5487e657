package registration

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileExt is the extension used for results files.
const FileExt = ".reg"

// FileWriter appends records to a results file. Appends are serialized so
// several workers may share one FileWriter; a results file must still have
// only one FileWriter at a time.
type FileWriter struct {
	mu    sync.Mutex
	f     *os.File
	bw    *bufio.Writer
	count int
}

// CreateFile truncates (or creates) path and returns a writer for it.
func CreateFile(path string) (*FileWriter, error) {
	return openFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
}

// AppendFile opens path for appending, creating it if needed.
func AppendFile(path string) (*FileWriter, error) {
	return openFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
}

func openFile(path string, flag int) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	return &FileWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// Append writes one record.
func (fw *FileWriter) Append(r *Record) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f == nil {
		return fmt.Errorf("%w: results file closed", ErrWriteFailed)
	}
	if _, err := r.WriteTo(fw.bw); err != nil {
		return err
	}
	fw.count++
	return nil
}

// Count returns the number of records appended through fw.
func (fw *FileWriter) Count() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.count
}

// Close flushes, syncs and closes the file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f == nil {
		return nil
	}
	f := fw.f
	fw.f = nil
	if err := fw.bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: flush: %w", ErrWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync: %w", ErrWriteFailed, err)
	}
	return f.Close()
}

// Reader iterates the records of a results stream.
type Reader struct {
	r    io.Reader
	swap bool
	n    int
}

// NewReader wraps r. Set swap for files written on a host of the opposite
// byte order.
func NewReader(r io.Reader, swap bool) *Reader {
	return &Reader{r: bufio.NewReader(r), swap: swap}
}

// Next decodes the next record into rec. It returns io.EOF at a clean end of
// stream and ErrTruncated when the stream stops inside a record.
func (rd *Reader) Next(rec *Record) error {
	err := rec.ReadSwapped(rd.r, rd.swap)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("record %d: %w", rd.n, err)
	}
	rd.n++
	return nil
}

// ReadAll reads every record in r.
func ReadAll(r io.Reader, swap bool) ([]Record, error) {
	rd := NewReader(r, swap)
	var out []Record
	for {
		var rec Record
		err := rd.Next(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads every record in the results file at path.
func ReadFile(path string, swap bool) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()
	return ReadAll(f, swap)
}

// WriteFile replaces path with records.
func WriteFile(path string, records []Record) error {
	fw, err := CreateFile(path)
	if err != nil {
		return err
	}
	for i := range records {
		if err := fw.Append(&records[i]); err != nil {
			fw.Close()
			return err
		}
	}
	return fw.Close()
}
