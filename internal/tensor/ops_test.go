package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func linearNaive(x, w *Mat, bias []float32) Mat {
	out := NewMat(x.R, w.R)
	for i := 0; i < x.R; i++ {
		for j := 0; j < w.R; j++ {
			var sum float64
			for k := 0; k < x.C; k++ {
				sum += float64(x.Row(i)[k]) * float64(w.Row(j)[k])
			}
			if bias != nil {
				sum += float64(bias[j])
			}
			out.Row(i)[j] = float32(sum)
		}
	}
	return out
}

func TestLinearMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := NewMat(7, 33)
	w := NewMat(19, 33)
	FillRandn(&x, rng)
	FillUniform(&w, rng, UniformBound(33))
	bias := make([]float32, 19)
	for i := range bias {
		bias[i] = float32(i) * 0.1
	}

	want := linearNaive(&x, &w, bias)
	got := NewMat(7, 19)
	if err := Linear(&got, &x, &w, bias); err != nil {
		t.Fatalf("Linear: %v", err)
	}
	diff, err := MeanAbsDiff(&want, &got)
	if err != nil {
		t.Fatalf("MeanAbsDiff: %v", err)
	}
	if diff > 1e-5 {
		t.Fatalf("mean abs diff %g", diff)
	}
}

func TestLinearShapeMismatch(t *testing.T) {
	x := NewMat(2, 3)
	w := NewMat(4, 5)
	dst := NewMat(2, 4)
	if err := Linear(&dst, &x, &w, nil); err == nil {
		t.Fatal("expected shape error")
	}
}

func TestLayerNorm(t *testing.T) {
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	LayerNorm(dst, src, nil, nil, 0)
	var mean, sq float64
	for _, v := range dst {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	if math.Abs(mean) > 1e-5 {
		t.Fatalf("mean %g, want 0", mean)
	}
	if math.Abs(sq/4-1) > 1e-4 {
		t.Fatalf("variance %g, want 1", sq/4)
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, float32(math.Inf(-1))}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("softmax sum %g", sum)
	}
	if x[3] != 0 {
		t.Fatalf("masked entry %g, want 0", x[3])
	}
}

func TestNewMatFromDataRejectsMismatch(t *testing.T) {
	if _, err := NewMatFromData(2, 3, make([]float32, 5)); err == nil {
		t.Fatal("expected length mismatch")
	}
	m, err := NewMatFromData(2, 3, make([]float32, 6))
	if err != nil {
		t.Fatalf("NewMatFromData: %v", err)
	}
	if m.Stride != 3 {
		t.Fatalf("stride %d, want 3", m.Stride)
	}
}
