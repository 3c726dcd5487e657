package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sectionreg/internal/slicenaming"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".mha":  {},
	".mhd":  {},
	".nrrd": {},
}

// ListImages returns all image-like files under root, sorted.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ListWithExt returns files directly under dir whose extension matches ext
// (case-insensitive, leading dot optional).
func ListWithExt(dir, ext string) ([]string, error) {
	ext = "." + strings.TrimPrefix(strings.ToLower(ext), ".")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ext {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// StackReport lists which slices of a stack exist on disk.
type StackReport struct {
	First   int      `json:"first"`
	Last    int      `json:"last"`
	Present []int    `json:"present"`
	Missing []int    `json:"missing"`
	Bytes   int64    `json:"bytes"`
	Paths   []string `json:"-"`
}

// Complete reports whether every slice in range was found.
func (r StackReport) Complete() bool { return len(r.Missing) == 0 }

// ScanStack resolves every slice in [first, last] through n and stats the file.
// Paths holds the resolved path of each present slice, in slice order.
func ScanStack(n *slicenaming.Namer, first, last int) (StackReport, error) {
	if last < first {
		return StackReport{}, fmt.Errorf("empty slice range %d..%d", first, last)
	}
	rep := StackReport{First: first, Last: last}
	for slice := first; slice <= last; slice++ {
		path, err := n.FullPath(slice)
		if err != nil {
			return rep, err
		}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			rep.Missing = append(rep.Missing, slice)
		case err != nil:
			return rep, fmt.Errorf("stat %s: %w", path, err)
		case info.IsDir():
			rep.Missing = append(rep.Missing, slice)
		default:
			rep.Present = append(rep.Present, slice)
			rep.Paths = append(rep.Paths, path)
			rep.Bytes += info.Size()
		}
	}
	return rep, nil
}
