package registration

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Summary aggregates a set of records.
type Summary struct {
	Records         int     `json:"records"`
	Complete        int     `json:"complete"`
	Incomplete      int     `json:"incomplete"`
	NonFinite       int     `json:"non_finite"`
	MeanXTrans      float64 `json:"mean_x_trans"`
	StdXTrans       float64 `json:"std_x_trans"`
	MeanYTrans      float64 `json:"mean_y_trans"`
	StdYTrans       float64 `json:"std_y_trans"`
	MeanCost        float64 `json:"mean_cost"`
	MaxIterations   uint32  `json:"max_iterations"`
	TotalIterations uint64  `json:"total_iterations"`
}

// Summarize computes statistics over the complete records only. Complete
// records with a NaN or infinite translation are counted in NonFinite and left
// out of the translation statistics; a non-finite cost is left out of MeanCost.
func Summarize(records []Record) Summary {
	s := Summary{Records: len(records)}
	var xs, ys, costs []float64
	for i := range records {
		r := &records[i]
		if !r.IsComplete() {
			s.Incomplete++
			continue
		}
		s.Complete++
		if c := float64(r.CostFuncValue); finite(c) {
			costs = append(costs, c)
		}
		s.TotalIterations += uint64(r.NumIterations)
		if r.NumIterations > s.MaxIterations {
			s.MaxIterations = r.NumIterations
		}
		if !finite(r.XTrans) || !finite(r.YTrans) {
			s.NonFinite++
			continue
		}
		xs = append(xs, r.XTrans)
		ys = append(ys, r.YTrans)
	}
	if len(costs) > 0 {
		s.MeanCost = stat.Mean(costs, nil)
	}
	if len(xs) == 0 {
		return s
	}
	if len(xs) == 1 {
		// sample stddev is undefined for one value
		s.MeanXTrans, s.MeanYTrans = xs[0], ys[0]
		return s
	}
	s.MeanXTrans, s.StdXTrans = stat.MeanStdDev(xs, nil)
	s.MeanYTrans, s.StdYTrans = stat.MeanStdDev(ys, nil)
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Print writes a human readable summary.
func (s Summary) Print(w io.Writer) error {
	_, err := fmt.Fprintf(w, `Records:        %d
Complete:       %d
Incomplete:     %d
Non-finite:     %d
X translation:  mean %.4f, stddev %.4f
Y translation:  mean %.4f, stddev %.4f
Mean cost:      %.6f
Iterations:     total %d, max %d
`, s.Records, s.Complete, s.Incomplete, s.NonFinite,
		s.MeanXTrans, s.StdXTrans,
		s.MeanYTrans, s.StdYTrans,
		s.MeanCost,
		s.TotalIterations, s.MaxIterations)
	return err
}
