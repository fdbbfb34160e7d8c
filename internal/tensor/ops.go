package tensor

import (
	"fmt"
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Linear computes dst = x @ w^T (+ bias) where x is [n, in] and w is [out, in].
// The bias, when present, is added inside the same pass.
func Linear(dst, x, w *Mat, bias []float32) error {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		return fmt.Errorf("%w: x=%dx%d w=%dx%d dst=%dx%d", errShapeMismatch, x.R, x.C, w.R, w.C, dst.R, dst.C)
	}
	if bias != nil && len(bias) != w.R {
		return fmt.Errorf("%w: bias has %d values for %d outputs", errShapeMismatch, len(bias), w.R)
	}
	for i := 0; i < x.R; i++ {
		xr := x.Row(i)
		out := dst.Row(i)
		for j := 0; j < w.R; j++ {
			s := Dot(xr, w.Row(j))
			if bias != nil {
				s += bias[j]
			}
			out[j] = s
		}
	}
	return nil
}

// AddMat adds src into dst element-wise. Shapes must match.
func AddMat(dst, src *Mat) error {
	if dst.R != src.R || dst.C != src.C {
		return fmt.Errorf("%w: %dx%d + %dx%d", errShapeMismatch, dst.R, dst.C, src.R, src.C)
	}
	for i := 0; i < dst.R; i++ {
		Add(dst.Row(i), src.Row(i))
	}
	return nil
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// optional affine weight and bias.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		y := float32((float64(v) - mean) * inv)
		if weight != nil {
			y *= weight[i]
		}
		if bias != nil {
			y += bias[i]
		}
		dst[i] = y
	}
}

// ReLU clamps negative values to zero in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// MeanAbsDiff returns the mean absolute difference of two equally sized matrices.
func MeanAbsDiff(a, b *Mat) (float64, error) {
	if a.R != b.R || a.C != b.C {
		return 0, fmt.Errorf("%w: %dx%d vs %dx%d", errShapeMismatch, a.R, a.C, b.R, b.C)
	}
	if a.R*a.C == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < a.R; i++ {
		ar, br := a.Row(i), b.Row(i)
		for j := range ar {
			sum += math.Abs(float64(ar[j]) - float64(br[j]))
		}
	}
	return sum / float64(a.R*a.C), nil
}
