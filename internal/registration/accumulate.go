package registration

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// SliceOffset is the cumulative translation of one slice relative to the
// first slice of the stack.
type SliceOffset struct {
	Slice   int32
	XOffset float64
	YOffset float64
}

// Accumulation is the result of chaining pair translations along a stack.
type Accumulation struct {
	Offsets []SliceOffset
	// Incomplete lists pairs that contributed a zero translation because the
	// registration had not finished.
	Incomplete [][2]int32
}

// Accumulate chains pair translations into per-slice offsets. Records are
// ordered by moving slice; the first fixed slice anchors the stack at (0,0)
// and every moving slice inherits its fixed slice's offset plus the pair
// translation.
func Accumulate(records []Record) (Accumulation, error) {
	var acc Accumulation
	if len(records) == 0 {
		return acc, nil
	}

	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MovingSlice < sorted[j].MovingSlice
	})

	offsets := map[int32]SliceOffset{}
	anchor := sorted[0].FixedSlice
	offsets[anchor] = SliceOffset{Slice: anchor}
	acc.Offsets = append(acc.Offsets, offsets[anchor])

	for _, rec := range sorted {
		base, ok := offsets[rec.FixedSlice]
		if !ok {
			return acc, fmt.Errorf("pair %d->%d: fixed slice has no accumulated offset", rec.FixedSlice, rec.MovingSlice)
		}
		if _, dup := offsets[rec.MovingSlice]; dup {
			return acc, fmt.Errorf("pair %d->%d: moving slice registered twice", rec.FixedSlice, rec.MovingSlice)
		}
		next := SliceOffset{Slice: rec.MovingSlice, XOffset: base.XOffset, YOffset: base.YOffset}
		if rec.IsComplete() {
			next.XOffset += rec.XTrans
			next.YOffset += rec.YTrans
		} else {
			acc.Incomplete = append(acc.Incomplete, [2]int32{rec.FixedSlice, rec.MovingSlice})
		}
		offsets[rec.MovingSlice] = next
		acc.Offsets = append(acc.Offsets, next)
	}
	return acc, nil
}

// WriteOffsets writes the offsets as a delimited table.
func WriteOffsets(w io.Writer, offsets []SliceOffset, delimiter string) error {
	if _, err := io.WriteString(w, strings.Join([]string{"Slice", "XOffset", "YOffset"}, delimiter)+"\n"); err != nil {
		return err
	}
	for _, o := range offsets {
		line := strings.Join([]string{
			fmt.Sprint(o.Slice),
			formatFloat(o.XOffset),
			formatFloat(o.YOffset),
		}, delimiter)
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}
