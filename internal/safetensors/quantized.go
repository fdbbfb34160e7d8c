package safetensors

import (
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/pkg/quant"
)

// A quantized tensor "x.weight" is stored as
//
//	x.qweight  U8   packed codes, 1-D
//	x.scales   F32  per-group scales
//	x.mins     F32  per-group minimums (asymmetric only)
//
// plus a metadata entry "quant.x.weight" describing the config and original
// shape.
const (
	QuantMetaPrefix = "quant."
	suffixQWeight   = ".qweight"
	suffixScales    = ".scales"
	suffixMins      = ".mins"
)

type quantMeta struct {
	Base   string       `json:"base"`
	Shape  []int        `json:"shape"`
	Config quant.Config `json:"config"`
}

func quantBase(name string) string {
	if base, ok := strings.CutSuffix(name, ".weight"); ok && base != "" {
		return base
	}
	return name
}

// AddQuantized stores t under name using the quantized layout.
func (w *Writer) AddQuantized(name string, t *quant.Tensor) error {
	statsShape, err := t.StatsShape()
	if err != nil {
		return errors.Wrapf(err, "tensor %s", name)
	}
	base := quantBase(name)
	if err := w.Add(base+suffixQWeight, "U8", []int{len(t.Data)}, t.Data); err != nil {
		return err
	}
	if err := w.AddFloat(base+suffixScales, statsShape, t.Scales, quant.F32); err != nil {
		return err
	}
	if t.Mins != nil {
		if err := w.AddFloat(base+suffixMins, statsShape, t.Mins, quant.F32); err != nil {
			return err
		}
	}
	meta, err := json.Marshal(quantMeta{Base: base, Shape: t.Shape, Config: t.Config})
	if err != nil {
		return err
	}
	w.SetMetadata(QuantMetaPrefix+name, string(meta))
	return nil
}

// QuantizedNames returns the original names of quantized tensors, sorted.
func (f *File) QuantizedNames() []string {
	var out []string
	for k := range f.Metadata {
		if name, ok := strings.CutPrefix(k, QuantMetaPrefix); ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// ReadQuantized reassembles a tensor written by Writer.AddQuantized.
func (f *File) ReadQuantized(name string) (*quant.Tensor, error) {
	raw, ok := f.Metadata[QuantMetaPrefix+name]
	if !ok {
		return nil, errors.Wrapf(ErrTensorNotFound, "quantized %s", name)
	}
	var meta quantMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, errors.Wrapf(ErrCorruptFile, "metadata for %s: %v", name, err)
	}
	packed, info, err := f.ReadTensor(meta.Base + suffixQWeight)
	if err != nil {
		return nil, err
	}
	if info.DType != "U8" {
		return nil, errors.Wrapf(ErrCorruptFile, "%s%s has dtype %s", meta.Base, suffixQWeight, info.DType)
	}
	scales, _, err := f.ReadTensorF32(meta.Base + suffixScales)
	if err != nil {
		return nil, err
	}
	t := &quant.Tensor{
		Shape:  meta.Shape,
		Config: meta.Config,
		Data:   slices.Clone(packed),
		Scales: scales,
	}
	if !meta.Config.Symmetric {
		if t.Mins, _, err = f.ReadTensorF32(meta.Base + suffixMins); err != nil {
			return nil, err
		}
	}
	if _, err := t.Codes(); err != nil {
		return nil, errors.Wrapf(err, "quantized %s", name)
	}
	return t, nil
}
