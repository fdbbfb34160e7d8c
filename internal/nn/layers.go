package nn

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/samcharles93/groupq/internal/tensor"
)

// Linear computes y = x @ W^T + b with W stored as [out, in].
type Linear struct {
	InFeatures  int
	OutFeatures int
	Weight      tensor.Mat
	Bias        []float32
}

// NewLinear allocates a linear layer initialised from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      tensor.NewMat(out, in),
	}
	bound := tensor.UniformBound(in)
	tensor.FillUniform(&l.Weight, rng, bound)
	if bias {
		b := tensor.NewMat(1, out)
		tensor.FillUniform(&b, rng, bound)
		l.Bias = b.Data
	}
	return l
}

func (l *Linear) Kind() string { return "Linear" }

func (l *Linear) Extra() string {
	return fmt.Sprintf("in_features=%d, out_features=%d, bias=%s", l.InFeatures, l.OutFeatures, pyBool(l.Bias != nil))
}

func (l *Linear) Forward(x tensor.Mat) (tensor.Mat, error) {
	out := tensor.NewMat(x.R, l.OutFeatures)
	if err := tensor.Linear(&out, &x, &l.Weight, l.Bias); err != nil {
		return tensor.Mat{}, errors.Wrap(err, "linear")
	}
	return out, nil
}

func (l *Linear) Params() []Param {
	ps := []Param{{Name: "weight", Shape: l.Weight.Shape(), Data: l.Weight.Data}}
	if l.Bias != nil {
		ps = append(ps, Param{Name: "bias", Shape: []int{len(l.Bias)}, Data: l.Bias})
	}
	return ps
}

// Embedding is a [vocab, dim] lookup table.
type Embedding struct {
	Weight tensor.Mat
}

// NewEmbedding allocates an embedding table with N(0, 1) rows.
func NewEmbedding(vocab, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{Weight: tensor.NewMat(vocab, dim)}
	tensor.FillRandn(&e.Weight, rng)
	return e
}

func (e *Embedding) Kind() string { return "Embedding" }

func (e *Embedding) Extra() string { return fmt.Sprintf("%d, %d", e.Weight.R, e.Weight.C) }

func (e *Embedding) Lookup(ids []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(ids), e.Weight.C)
	for i, id := range ids {
		if id < 0 || id >= e.Weight.R {
			return tensor.Mat{}, errors.Errorf("embedding: id %d out of range [0, %d)", id, e.Weight.R)
		}
		copy(out.Row(i), e.Weight.Row(id))
	}
	return out, nil
}

func (e *Embedding) Params() []Param {
	return []Param{{Name: "weight", Shape: e.Weight.Shape(), Data: e.Weight.Data}}
}

// LayerNorm normalises each row over its last dimension.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
	Eps    float32
}

// NewLayerNorm returns a LayerNorm with unit weight and zero bias. When affine
// is false the layer has no parameters.
func NewLayerNorm(dim int, eps float32, affine bool) *LayerNorm {
	ln := &LayerNorm{Eps: eps}
	if affine {
		ln.Weight = make([]float32, dim)
		for i := range ln.Weight {
			ln.Weight[i] = 1
		}
		ln.Bias = make([]float32, dim)
	}
	return ln
}

func (ln *LayerNorm) Kind() string { return "LayerNorm" }

func (ln *LayerNorm) Extra() string {
	return fmt.Sprintf("(%d,), eps=%g, elementwise_affine=%s", len(ln.Weight), ln.Eps, pyBool(ln.Weight != nil))
}

func (ln *LayerNorm) Forward(x tensor.Mat) (tensor.Mat, error) {
	if ln.Weight != nil && len(ln.Weight) != x.C {
		return tensor.Mat{}, errors.Errorf("layer norm: %d features, input has %d", len(ln.Weight), x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(out.Row(i), x.Row(i), ln.Weight, ln.Bias, ln.Eps)
	}
	return out, nil
}

func (ln *LayerNorm) Params() []Param {
	if ln.Weight == nil {
		return nil
	}
	return []Param{
		{Name: "weight", Shape: []int{len(ln.Weight)}, Data: ln.Weight},
		{Name: "bias", Shape: []int{len(ln.Bias)}, Data: ln.Bias},
	}
}

// ReLU is the rectified linear activation.
type ReLU struct{}

func (ReLU) Kind() string { return "ReLU" }

func (ReLU) Forward(x tensor.Mat) (tensor.Mat, error) {
	out := x.Clone()
	tensor.ReLU(out.Data)
	return out, nil
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
