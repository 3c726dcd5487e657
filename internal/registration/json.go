package registration

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Float is a float64 whose JSON form carries NaN and the infinities as the
// strings "NaN", "Infinity" and "-Infinity", the way protobuf JSON does.
// Finite values are plain JSON numbers.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "Infinity":
			*f = Float(math.Inf(1))
		case "-Infinity":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

type recordJSON struct {
	FixedSlice      int32  `json:"fixed_slice"`
	MovingSlice     int32  `json:"moving_slice"`
	FixedImagePath  string `json:"fixed_image_path"`
	MovingImagePath string `json:"moving_image_path"`
	CostFuncValue   Float  `json:"cost_func_value"`
	NumIterations   uint32 `json:"num_iterations"`
	XTrans          Float  `json:"x_trans"`
	YTrans          Float  `json:"y_trans"`
	XFixedOrigin    Float  `json:"x_fixed_origin"`
	YFixedOrigin    Float  `json:"y_fixed_origin"`
	XMovingOrigin   Float  `json:"x_moving_origin"`
	YMovingOrigin   Float  `json:"y_moving_origin"`
	Scaling         Float  `json:"scaling"`
	ImageWidth      int32  `json:"image_width"`
	ImageHeight     int32  `json:"image_height"`
	Complete        int32  `json:"complete"`
}

// MarshalJSON encodes r with non-finite values as strings (see Float).
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		FixedSlice:      r.FixedSlice,
		MovingSlice:     r.MovingSlice,
		FixedImagePath:  r.FixedImagePath,
		MovingImagePath: r.MovingImagePath,
		CostFuncValue:   Float(r.CostFuncValue),
		NumIterations:   r.NumIterations,
		XTrans:          Float(r.XTrans),
		YTrans:          Float(r.YTrans),
		XFixedOrigin:    Float(r.XFixedOrigin),
		YFixedOrigin:    Float(r.YFixedOrigin),
		XMovingOrigin:   Float(r.XMovingOrigin),
		YMovingOrigin:   Float(r.YMovingOrigin),
		Scaling:         Float(r.Scaling),
		ImageWidth:      r.ImageWidth,
		ImageHeight:     r.ImageHeight,
		Complete:        r.Complete,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var j recordJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*r = Record{
		FixedSlice:      j.FixedSlice,
		MovingSlice:     j.MovingSlice,
		FixedImagePath:  j.FixedImagePath,
		MovingImagePath: j.MovingImagePath,
		CostFuncValue:   float32(j.CostFuncValue),
		NumIterations:   j.NumIterations,
		XTrans:          float64(j.XTrans),
		YTrans:          float64(j.YTrans),
		XFixedOrigin:    float64(j.XFixedOrigin),
		YFixedOrigin:    float64(j.YFixedOrigin),
		XMovingOrigin:   float64(j.XMovingOrigin),
		YMovingOrigin:   float64(j.YMovingOrigin),
		Scaling:         float64(j.Scaling),
		ImageWidth:      j.ImageWidth,
		ImageHeight:     j.ImageHeight,
		Complete:        j.Complete,
	}
	return nil
}
