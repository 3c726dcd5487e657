// Package registration holds the per-pair registration result record and the
// results-file format used to pass those records between the batch queue
// controller and downstream tools.
package registration

// Record is the registration result for one fixed/moving slice pair.
// Translations, origins and scaling are in physical units (microns).
// A Record must not be shared between concurrent writers. See json.go for its
// JSON form.
type Record struct {
	FixedSlice      int32
	MovingSlice     int32
	FixedImagePath  string
	MovingImagePath string
	CostFuncValue   float32
	NumIterations   uint32
	XTrans          float64
	YTrans          float64
	XFixedOrigin    float64
	YFixedOrigin    float64
	XMovingOrigin   float64
	YMovingOrigin   float64
	Scaling         float64 // microns per pixel
	ImageWidth      int32
	ImageHeight     int32
	Complete        int32
}

// InitValues resets r so it can be reused across a batch loop.
func (r *Record) InitValues() {
	*r = Record{}
}

// IsComplete reports whether the registration for this pair finished.
func (r *Record) IsComplete() bool { return r.Complete != 0 }

// SetComplete sets the completion flag.
func (r *Record) SetComplete(done bool) {
	if done {
		r.Complete = 1
	} else {
		r.Complete = 0
	}
}

func (r *Record) Translations() (x, y float64) { return r.XTrans, r.YTrans }

func (r *Record) SetTranslations(x, y float64) {
	r.XTrans, r.YTrans = x, y
}

func (r *Record) FixedOrigin() (x, y float64) { return r.XFixedOrigin, r.YFixedOrigin }

func (r *Record) SetFixedOrigin(x, y float64) {
	r.XFixedOrigin, r.YFixedOrigin = x, y
}

func (r *Record) MovingOrigin() (x, y float64) { return r.XMovingOrigin, r.YMovingOrigin }

func (r *Record) SetMovingOrigin(x, y float64) {
	r.XMovingOrigin, r.YMovingOrigin = x, y
}

// PixelTranslations converts the physical translation back to pixels using
// Scaling. Returns zeros when Scaling is unset.
func (r *Record) PixelTranslations() (x, y float64) {
	if r.Scaling == 0 {
		return 0, 0
	}
	return r.XTrans / r.Scaling, r.YTrans / r.Scaling
}
