package quant

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Quantizer maps float tensors to packed low-bit codes.
type Quantizer struct {
	cfg Config
}

// NewQuantizer validates cfg and returns a Quantizer for it.
func NewQuantizer(cfg Config) (*Quantizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Quantizer{cfg: cfg}, nil
}

// Config returns the quantizer's configuration.
func (q *Quantizer) Config() Config { return q.cfg }

// Quantize quantizes values laid out row-major in shape.
//
// shape[GroupDim] must be divisible by GroupSize. Symmetric groups use
// scale = max|v| / (2^(b-1)-1) with an implicit zero point; asymmetric groups
// use scale = (max-min) / (2^b-1) and record min.
func (q *Quantizer) Quantize(values []float32, shape []int) (*Tensor, error) {
	l, err := newGroupLayout(shape, q.cfg)
	if err != nil {
		return nil, err
	}
	if len(values) != l.size() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values for shape %v", len(values), shape)
	}

	n := l.groups()
	lo := make([]float32, n)
	hi := make([]float32, n)
	if !q.cfg.Symmetric {
		for g := range n {
			lo[g] = math.MaxFloat32
			hi[g] = -math.MaxFloat32
		}
	}
	for i, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.Wrapf(ErrNonFinite, "element %d", i)
		}
		g := l.groupOf(i)
		if q.cfg.Symmetric {
			hi[g] = max(hi[g], float32(math.Abs(float64(v))))
			continue
		}
		lo[g] = min(lo[g], v)
		hi[g] = max(hi[g], v)
	}

	codeLo, codeHi := q.cfg.CodeRange()
	scales := make([]float32, n)
	var mins []float32
	if q.cfg.Symmetric {
		for g := range n {
			scales[g] = float32(float64(hi[g]) / float64(codeHi))
		}
	} else {
		mins = lo
		for g := range n {
			scales[g] = float32((float64(hi[g]) - float64(lo[g])) / float64(codeHi))
		}
	}

	codes := make([]uint8, len(values))
	for i, v := range values {
		g := l.groupOf(i)
		s := scales[g]
		if s == 0 {
			// Constant group: every element reconstructs to min (or 0).
			continue
		}
		x := float64(v)
		if mins != nil {
			x -= float64(mins[g])
		}
		c := int32(math.Round(x / float64(s)))
		c = min(max(c, codeLo), codeHi)
		codes[i] = encodeCode(c, q.cfg)
	}

	data, err := Pack(codes, q.cfg.NumBits)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		Config: q.cfg,
		Data:   data,
		Scales: scales,
		Mins:   mins,
	}, nil
}
