package quant

import (
	"math"

	"github.com/pkg/errors"
)

// ErrorStats summarises the absolute difference between two tensors.
type ErrorStats struct {
	MeanAbs float64 `json:"mean_abs_error"`
	MaxAbs  float64 `json:"max_abs_error"`
	Count   int     `json:"count"`
}

// Compare returns mean and max absolute error between want and got.
func Compare(want, got []float32) (ErrorStats, error) {
	if len(want) != len(got) {
		return ErrorStats{}, errors.Errorf("quant: compare length mismatch %d vs %d", len(want), len(got))
	}
	var st ErrorStats
	st.Count = len(want)
	if st.Count == 0 {
		return st, nil
	}
	var sum float64
	for i := range want {
		d := math.Abs(float64(want[i]) - float64(got[i]))
		sum += d
		st.MaxAbs = max(st.MaxAbs, d)
	}
	st.MeanAbs = sum / float64(st.Count)
	return st, nil
}

// RoundTrip quantizes and dequantizes values, returning the reconstruction
// error. It is the measurement behind the eval command and the API.
func RoundTrip(values []float32, shape []int, cfg Config, dtype DType) (*Tensor, ErrorStats, error) {
	q, err := NewQuantizer(cfg)
	if err != nil {
		return nil, ErrorStats{}, err
	}
	dq, err := NewDeQuantizer(cfg, dtype)
	if err != nil {
		return nil, ErrorStats{}, err
	}
	ref := values
	if dtype != F32 {
		ref = make([]float32, len(values))
		for i, v := range values {
			ref[i] = dtype.Round(v)
		}
	}
	qt, err := q.Quantize(ref, shape)
	if err != nil {
		return nil, ErrorStats{}, err
	}
	out, err := dq.Dequantize(qt)
	if err != nil {
		return nil, ErrorStats{}, err
	}
	st, err := Compare(ref, out)
	return qt, st, err
}
