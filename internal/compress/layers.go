package compress

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/tensor"
	"github.com/samcharles93/groupq/pkg/quant"
)

// Quantized is implemented by modules that hold a quantized weight.
type Quantized interface {
	nn.Module
	QuantizedWeight() *quant.Tensor
}

// QuantizedLinear is a Linear whose weight is stored as packed group-wise
// codes. The float weight is dropped at construction and rebuilt for each
// Forward call.
type QuantizedLinear struct {
	InFeatures  int
	OutFeatures int
	Weight      *quant.Tensor
	Bias        []float32
	DType       quant.DType
}

// NewQuantizedLinear quantizes l's weight with cfg. The weight is cast to
// dtype before quantization and dequantized values are rounded to it.
func NewQuantizedLinear(l *nn.Linear, cfg quant.Config, dtype quant.DType) (*QuantizedLinear, error) {
	q, err := quant.NewQuantizer(cfg)
	if err != nil {
		return nil, err
	}
	w, err := q.Quantize(roundTo(l.Weight.Data, dtype), l.Weight.Shape())
	if err != nil {
		return nil, err
	}
	var bias []float32
	if l.Bias != nil {
		bias = append([]float32(nil), l.Bias...)
	}
	return &QuantizedLinear{
		InFeatures:  l.InFeatures,
		OutFeatures: l.OutFeatures,
		Weight:      w,
		Bias:        bias,
		DType:       dtype,
	}, nil
}

func (q *QuantizedLinear) Kind() string { return "QuantizedLinear" }

func (q *QuantizedLinear) Extra() string {
	bias := "False"
	if q.Bias != nil {
		bias = "True"
	}
	return fmt.Sprintf("in_features=%d, out_features=%d, bias=%s, quant=%s", q.InFeatures, q.OutFeatures, bias, q.Weight.Config)
}

func (q *QuantizedLinear) QuantizedWeight() *quant.Tensor { return q.Weight }

// Forward dequantizes the weight and computes x @ W^T + b in one pass.
func (q *QuantizedLinear) Forward(x tensor.Mat) (tensor.Mat, error) {
	w := tensor.NewMat(q.OutFeatures, q.InFeatures)
	if err := quant.DequantizeInto(w.Data, q.Weight, q.DType); err != nil {
		return tensor.Mat{}, errors.Wrap(err, "quantized linear")
	}
	out := tensor.NewMat(x.R, q.OutFeatures)
	if err := tensor.Linear(&out, &x, &w, q.Bias); err != nil {
		return tensor.Mat{}, errors.Wrap(err, "quantized linear")
	}
	return out, nil
}

func (q *QuantizedLinear) Params() []nn.Param {
	if q.Bias == nil {
		return nil
	}
	return []nn.Param{{Name: "bias", Shape: []int{len(q.Bias)}, Data: q.Bias}}
}

// QuantizedEmbedding is an Embedding whose table is stored quantized. Lookup
// decodes only the requested rows.
type QuantizedEmbedding struct {
	NumEmbeddings int
	Dim           int
	Weight        *quant.Tensor
	DType         quant.DType
}

// NewQuantizedEmbedding quantizes e's table with cfg.
func NewQuantizedEmbedding(e *nn.Embedding, cfg quant.Config, dtype quant.DType) (*QuantizedEmbedding, error) {
	q, err := quant.NewQuantizer(cfg)
	if err != nil {
		return nil, err
	}
	w, err := q.Quantize(roundTo(e.Weight.Data, dtype), e.Weight.Shape())
	if err != nil {
		return nil, err
	}
	return &QuantizedEmbedding{NumEmbeddings: e.Weight.R, Dim: e.Weight.C, Weight: w, DType: dtype}, nil
}

func (q *QuantizedEmbedding) Kind() string { return "QuantizedEmbedding" }

func (q *QuantizedEmbedding) Extra() string {
	return fmt.Sprintf("%d, %d, quant=%s", q.NumEmbeddings, q.Dim, q.Weight.Config)
}

func (q *QuantizedEmbedding) QuantizedWeight() *quant.Tensor { return q.Weight }

func (q *QuantizedEmbedding) Lookup(ids []int) (tensor.Mat, error) {
	out := tensor.NewMat(len(ids), q.Dim)
	for i, id := range ids {
		if id < 0 || id >= q.NumEmbeddings {
			return tensor.Mat{}, errors.Errorf("quantized embedding: id %d out of range [0, %d)", id, q.NumEmbeddings)
		}
		if err := quant.DequantizeRange(out.Row(i), q.Weight, q.DType, id*q.Dim); err != nil {
			return tensor.Mat{}, errors.Wrap(err, "quantized embedding")
		}
	}
	return out, nil
}

// roundTo returns data as it reads back after a cast to dtype. F32 data is
// returned as is.
func roundTo(data []float32, dtype quant.DType) []float32 {
	if dtype == quant.F32 {
		return data
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = dtype.Round(v)
	}
	return out
}
