package tensor

import (
	"math"
	"math/rand"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r != 0 && (r*c)/r != c {
		return Mat{}, errMatTooLarge
	}
	if r*c != len(data) {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}, nil
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Shape returns the matrix dimensions as a shape slice.
func (m *Mat) Shape() []int { return []int{m.R, m.C} }

// Clone returns a compact copy of m.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// FillRandn fills m with standard normal samples drawn from rng.
func FillRandn(m *Mat, rng *rand.Rand) {
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64())
	}
}

// FillUniform fills m with samples from U(-bound, bound), the default
// initialisation of a linear layer with bound = 1/sqrt(fanIn).
func FillUniform(m *Mat, rng *rand.Rand, bound float32) {
	for i := range m.Data {
		m.Data[i] = (2*rng.Float32() - 1) * bound
	}
}

// UniformBound returns 1/sqrt(fanIn).
func UniformBound(fanIn int) float32 {
	if fanIn <= 0 {
		return 0
	}
	return float32(1 / math.Sqrt(float64(fanIn)))
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errDataSizeMismatch = fmtError("data length mismatch")
	errShapeMismatch    = fmtError("matrix shape mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
