package tasks

import (
	"context"
	"fmt"

	"sectionreg/internal/fsutil"
	"sectionreg/internal/imaging"
	"sectionreg/internal/slicenaming"
)

// VerifyRequest selects the slice range to check on disk.
type VerifyRequest struct {
	Namer  *slicenaming.Namer
	First  int
	Last   int
	Prober imaging.Prober // optional; checks every slice has the first slice's size
}

// VerifyResult extends the stack scan with size consistency.
type VerifyResult struct {
	fsutil.StackReport
	Width      int   `json:"width,omitempty"`
	Height     int   `json:"height,omitempty"`
	Mismatched []int `json:"mismatched,omitempty"`
}

// OK reports whether all slices exist and agree in size.
func (v VerifyResult) OK() bool {
	return v.Complete() && len(v.Mismatched) == 0
}

// VerifyStack checks which slices of the stack exist and, with a prober,
// whether they share one image size.
func VerifyStack(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if req.Namer == nil {
		return VerifyResult{}, fmt.Errorf("verify: namer required")
	}
	rep, err := fsutil.ScanStack(req.Namer, req.First, req.Last)
	if err != nil {
		return VerifyResult{}, err
	}
	res := VerifyResult{StackReport: rep}
	if req.Prober == nil {
		return res, nil
	}
	for i, path := range rep.Paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		w, h, err := req.Prober.Dimensions(path)
		if err != nil {
			return res, err
		}
		if i == 0 {
			res.Width, res.Height = w, h
			continue
		}
		if w != res.Width || h != res.Height {
			res.Mismatched = append(res.Mismatched, rep.Present[i])
		}
	}
	return res, nil
}
