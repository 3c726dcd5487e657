package tasks

import (
	"bufio"
	"context"
	"fmt"

	"sectionreg/internal/imaging"
	"sectionreg/internal/registration"
	"sectionreg/internal/slicenaming"
)

// PlanRequest describes the pairs to queue for registration.
type PlanRequest struct {
	Namer   *slicenaming.Namer
	First   int
	Last    int
	Scaling float64
	Output  string
	Prober  imaging.Prober // optional; fills image dimensions
}

// PlanResult summarizes a written plan.
type PlanResult struct {
	OutputFile string
	Pairs      int
	Probed     int
}

// PlanPairs writes one pending record per consecutive pair in [First, Last].
// The result is the input of the registration queue controller, which fills
// in translations and sets Complete as it works through the file.
func PlanPairs(ctx context.Context, req PlanRequest) (PlanResult, error) {
	if req.Namer == nil {
		return PlanResult{}, fmt.Errorf("plan: namer required")
	}
	if req.Output == "" {
		return PlanResult{}, fmt.Errorf("plan: output path required")
	}
	pairs, err := req.Namer.Pairs(req.First, req.Last)
	if err != nil {
		return PlanResult{}, fmt.Errorf("plan: %w", err)
	}
	res := PlanResult{OutputFile: req.Output}
	records := make([]registration.Record, len(pairs))
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec := &records[i]
		rec.FixedSlice = int32(p.Fixed)
		rec.MovingSlice = int32(p.Moving)
		// Pairs already validated both slices, so the paths resolve.
		rec.FixedImagePath, _ = req.Namer.FullPath(p.Fixed)
		rec.MovingImagePath, _ = req.Namer.FullPath(p.Moving)
		rec.Scaling = req.Scaling
		if req.Prober != nil {
			if err := imaging.FillDimensions(req.Prober, rec); err != nil {
				return res, fmt.Errorf("probe pair %d/%d: %w", p.Fixed, p.Moving, err)
			}
			res.Probed++
		}
	}

	// all or nothing: the file carries no record count
	err = writeAtomic(req.Output, func(w *bufio.Writer) error {
		for i := range records {
			if _, err := records[i].WriteTo(w); err != nil {
				return fmt.Errorf("write pair %d/%d: %w", records[i].FixedSlice, records[i].MovingSlice, err)
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Pairs = len(records)
	return res, nil
}
