// Package slicenaming resolves the file name and path of the Nth image in a
// serial-section stack. Names follow <prefix><zero-padded slice><suffix>.<ext>
// so every stage of the pipeline agrees on file identity without a directory
// index.
package slicenaming

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strconv"
	"strings"
)

// maxWidth keeps 10^width inside int64.
const maxWidth = 18

var (
	// ErrInvalidSliceIndex is returned for negative slices or slices the
	// configured width or max slice cannot represent.
	ErrInvalidSliceIndex = errors.New("invalid slice index")
	// ErrInvalidConfig is returned when width and max slice disagree.
	ErrInvalidConfig = errors.New("invalid slice naming config")
)

// Config describes a stack's naming pattern.
type Config struct {
	ParentDirectory string `json:"parent_directory" yaml:"parentDirectory"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	Suffix          string `json:"suffix" yaml:"suffix"`
	Extension       string `json:"extension" yaml:"extension"`
	MaxSlice        int    `json:"max_slice" yaml:"maxSlice"` // inclusive; 0 derives it from Width
	Width           int    `json:"width" yaml:"width"`        // 0 derives it from MaxSlice
}

// Namer is an immutable naming pattern. Safe for concurrent use.
type Namer struct {
	parent    string
	prefix    string
	suffix    string
	extension string
	maxSlice  int
	width     int
}

// New mirrors the common case of a prefix and fixed width under a directory.
func New(parentDirectory, prefix string, width int) (*Namer, error) {
	return NewFromConfig(Config{ParentDirectory: parentDirectory, Prefix: prefix, Width: width})
}

// NewFromConfig validates cfg and returns a Namer.
func NewFromConfig(cfg Config) (*Namer, error) {
	if cfg.MaxSlice < 0 {
		return nil, fmt.Errorf("%w: max slice %d is negative", ErrInvalidConfig, cfg.MaxSlice)
	}
	if cfg.Width < 0 || cfg.Width > maxWidth {
		return nil, fmt.Errorf("%w: width %d outside 1..%d", ErrInvalidConfig, cfg.Width, maxWidth)
	}

	width := cfg.Width
	maxSlice := cfg.MaxSlice
	switch {
	case width == 0 && maxSlice == 0:
		return nil, fmt.Errorf("%w: width or max slice required", ErrInvalidConfig)
	case width == 0:
		width = digits(maxSlice)
		if width > maxWidth {
			return nil, fmt.Errorf("%w: max slice %d is too large", ErrInvalidConfig, maxSlice)
		}
	case maxSlice == 0:
		maxSlice = int(capacity(width) - 1)
	default:
		if digits(maxSlice) > width {
			return nil, fmt.Errorf("%w: max slice %d needs %d digits, width is %d",
				ErrInvalidConfig, maxSlice, digits(maxSlice), width)
		}
	}

	return &Namer{
		parent:    cfg.ParentDirectory,
		prefix:    cfg.Prefix,
		suffix:    cfg.Suffix,
		extension: strings.TrimPrefix(cfg.Extension, "."),
		maxSlice:  maxSlice,
		width:     width,
	}, nil
}

// Config returns the effective configuration, with derived values filled in.
func (n *Namer) Config() Config {
	return Config{
		ParentDirectory: n.parent,
		Prefix:          n.prefix,
		Suffix:          n.suffix,
		Extension:       n.extension,
		MaxSlice:        n.maxSlice,
		Width:           n.width,
	}
}

func (n *Namer) ParentDirectory() string { return n.parent }
func (n *Namer) Width() int              { return n.width }
func (n *Namer) MaxSlice() int           { return n.maxSlice }

// Valid reports whether slice can be named.
func (n *Namer) Valid(slice int) bool {
	return n.check(slice) == nil
}

func (n *Namer) check(slice int) error {
	if slice < 0 {
		return fmt.Errorf("%w: %d is negative", ErrInvalidSliceIndex, slice)
	}
	if int64(slice) >= capacity(n.width) {
		return fmt.Errorf("%w: %d does not fit in %d digits", ErrInvalidSliceIndex, slice, n.width)
	}
	if slice > n.maxSlice {
		return fmt.Errorf("%w: %d exceeds max slice %d", ErrInvalidSliceIndex, slice, n.maxSlice)
	}
	return nil
}

// FileName returns the bare file name for slice.
func (n *Namer) FileName(slice int) (string, error) {
	if err := n.check(slice); err != nil {
		return "", err
	}
	num := strconv.Itoa(slice)
	var b strings.Builder
	b.Grow(len(n.prefix) + n.width + len(n.suffix) + len(n.extension) + 1)
	b.WriteString(n.prefix)
	for i := len(num); i < n.width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(num)
	b.WriteString(n.suffix)
	if n.extension != "" {
		b.WriteByte('.')
		b.WriteString(n.extension)
	}
	return b.String(), nil
}

// FullPath joins the parent directory and FileName(slice).
func (n *Namer) FullPath(slice int) (string, error) {
	name, err := n.FileName(slice)
	if err != nil {
		return "", err
	}
	if n.parent == "" {
		return name, nil
	}
	return filepath.Join(n.parent, name), nil
}

// Range yields every nameable slice from 0 through MaxSlice.
func (n *Namer) Range() iter.Seq[int] {
	return func(yield func(int) bool) {
		for s := 0; s <= n.maxSlice; s++ {
			if !yield(s) {
				return
			}
		}
	}
}

// Pair is a consecutive fixed/moving slice pair.
type Pair struct {
	Fixed  int
	Moving int
}

// Pairs returns consecutive pairs (start,start+1) .. (end-1,end).
func (n *Namer) Pairs(start, end int) ([]Pair, error) {
	if err := n.check(start); err != nil {
		return nil, err
	}
	if err := n.check(end); err != nil {
		return nil, err
	}
	if end <= start {
		return nil, fmt.Errorf("%w: range %d..%d needs at least two slices", ErrInvalidSliceIndex, start, end)
	}
	pairs := make([]Pair, 0, end-start)
	for s := start; s < end; s++ {
		pairs = append(pairs, Pair{Fixed: s, Moving: s + 1})
	}
	return pairs, nil
}

// String describes the naming pattern, e.g. "/data/stack/slice_####.tif [0..9999]".
func (n *Namer) String() string {
	pattern := n.prefix + strings.Repeat("#", n.width) + n.suffix
	if n.extension != "" {
		pattern += "." + n.extension
	}
	if n.parent != "" {
		pattern = filepath.Join(n.parent, pattern)
	}
	return fmt.Sprintf("%s [0..%d]", pattern, n.maxSlice)
}

func digits(v int) int {
	return len(strconv.Itoa(v))
}

func capacity(width int) int64 {
	c := int64(1)
	for i := 0; i < width; i++ {
		c *= 10
	}
	return c
}
