package quant

import "github.com/pkg/errors"

// DeQuantizer reconstructs approximate float values from a quantized Tensor.
type DeQuantizer struct {
	cfg   Config
	dtype DType
}

// NewDeQuantizer returns a DeQuantizer producing values rounded to dtype.
func NewDeQuantizer(cfg Config, dtype DType) (*DeQuantizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !dtype.valid() {
		return nil, errors.Errorf("quant: unsupported target dtype %d", dtype)
	}
	return &DeQuantizer{cfg: cfg, dtype: dtype}, nil
}

// DType returns the target dtype.
func (d *DeQuantizer) DType() DType { return d.dtype }

// Dequantize returns code*scale+min (asymmetric) or code*scale (symmetric)
// for every element, rounded to the target dtype.
func (d *DeQuantizer) Dequantize(t *Tensor) ([]float32, error) {
	if t != nil && t.Config != d.cfg {
		return nil, errors.Wrapf(ErrConfigMismatch, "tensor is %s, dequantizer is %s", t.Config, d.cfg)
	}
	out := make([]float32, 0)
	if t != nil {
		out = make([]float32, t.Len())
	}
	if err := DequantizeInto(out, t, d.dtype); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto writes the reconstruction of t into dst, which must hold
// exactly t.Len() values.
func DequantizeInto(dst []float32, t *Tensor, dtype DType) error {
	l, err := t.layout()
	if err != nil {
		return err
	}
	if len(dst) != l.size() {
		return errors.Errorf("quant: destination has %d values, tensor has %d", len(dst), l.size())
	}
	raw, err := Unpack(t.Data, t.Config.NumBits, l.size())
	if err != nil {
		return err
	}
	for i, c := range raw {
		g := l.groupOf(i)
		v := float32(decodeCode(c, t.Config)) * t.Scales[g]
		if t.Mins != nil {
			v += t.Mins[g]
		}
		dst[i] = dtype.Round(v)
	}
	return nil
}

// DequantizeRange reconstructs the len(dst) elements starting at row-major
// offset off. Embedding lookups use it to decode single rows.
func DequantizeRange(dst []float32, t *Tensor, dtype DType, off int) error {
	l, err := t.layout()
	if err != nil {
		return err
	}
	if off < 0 || off+len(dst) > l.size() {
		return errors.Errorf("quant: range [%d, %d) outside tensor of %d values", off, off+len(dst), l.size())
	}
	for k := range dst {
		i := off + k
		g := l.groupOf(i)
		v := float32(decodeCode(codeAt(t.Data, t.Config.NumBits, i), t.Config)) * t.Scales[g]
		if t.Mins != nil {
			v += t.Mins[g]
		}
		dst[k] = dtype.Round(v)
	}
	return nil
}
