package registration

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Columns lists the text table columns in record order.
var Columns = []string{
	"FixedSlice",
	"MovingSlice",
	"FixedImagePath",
	"MovingImagePath",
	"CostFuncValue",
	"NumIterations",
	"XTrans",
	"YTrans",
	"XFixedOrigin",
	"YFixedOrigin",
	"XMovingOrigin",
	"YMovingOrigin",
	"Scaling",
	"ImageWidth",
	"ImageHeight",
	"Complete",
}

// Delimiter resolves a delimiter name (tab, comma, space) or returns the
// literal string unchanged.
func Delimiter(name string) string {
	switch strings.ToLower(name) {
	case "", "tab", `\t`:
		return "\t"
	case "comma", "csv":
		return ","
	case "space":
		return " "
	default:
		return name
	}
}

// PrintHeader writes the column header line.
func PrintHeader(w io.Writer, delimiter string) error {
	_, err := io.WriteString(w, strings.Join(Columns, delimiter)+"\n")
	return err
}

// Print writes r as one delimited line, fields in Columns order.
func (r *Record) Print(w io.Writer, delimiter string) error {
	_, err := io.WriteString(w, strings.Join(r.Fields(), delimiter)+"\n")
	return err
}

// Fields returns the text form of every field in Columns order.
func (r *Record) Fields() []string {
	return []string{
		strconv.FormatInt(int64(r.FixedSlice), 10),
		strconv.FormatInt(int64(r.MovingSlice), 10),
		r.FixedImagePath,
		r.MovingImagePath,
		strconv.FormatFloat(float64(r.CostFuncValue), 'g', -1, 32),
		strconv.FormatUint(uint64(r.NumIterations), 10),
		formatFloat(r.XTrans),
		formatFloat(r.YTrans),
		formatFloat(r.XFixedOrigin),
		formatFloat(r.YFixedOrigin),
		formatFloat(r.XMovingOrigin),
		formatFloat(r.YMovingOrigin),
		formatFloat(r.Scaling),
		strconv.FormatInt(int64(r.ImageWidth), 10),
		strconv.FormatInt(int64(r.ImageHeight), 10),
		strconv.FormatInt(int64(r.Complete), 10),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteTable writes a header followed by one line per record.
func WriteTable(w io.Writer, records []Record, delimiter string) error {
	if err := PrintHeader(w, delimiter); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}
	for i := range records {
		if err := records[i].Print(w, delimiter); err != nil {
			return fmt.Errorf("write table row %d: %w", i, err)
		}
	}
	return nil
}
