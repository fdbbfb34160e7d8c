package compress

import (
	"context"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/pkg/quant"
)

// TensorSource is a flat set of named float tensors, e.g. a safetensors file.
type TensorSource interface {
	Names() []string
	ReadTensorF32(name string) ([]float32, []int, error)
}

// TensorShaper is an optional TensorSource extension that reports a shape
// without decoding the data.
type TensorShaper interface {
	Shape(name string) ([]int, bool)
}

// TensorSink receives the output of QuantizeState.
type TensorSink interface {
	AddFloat(name string, shape []int, data []float32, dtype quant.DType) error
	AddQuantized(name string, t *quant.Tensor) error
}

// LayerName returns the layer a weight tensor belongs to
// ("decoder.layers.0.fc1.weight" -> "decoder.layers.0.fc1"). ok is false for
// tensors that are not weights.
func LayerName(tensor string) (string, bool) {
	layer, ok := strings.CutSuffix(tensor, ".weight")
	return layer, ok && layer != ""
}

// QuantizeState quantizes every rank-2 weight tensor of src whose layer name
// matches cfg and writes it to dst. All other tensors are copied at the
// option dtype. Tensors are processed in name order.
func QuantizeState(ctx context.Context, src TensorSource, dst TensorSink, cfg WeightQuantization, opts ...Option) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	log := logger.FromContext(ctx).With(logger.ComponentKey, "compress")

	names := slices.Clone(src.Names())
	slices.Sort(names)

	// Shapes are checked up front when the source can report them cheaply.
	if sh, ok := src.(TensorShaper); ok {
		for _, name := range names {
			shape, _ := sh.Shape(name)
			if key, qc, ok := matchTensor(cfg, name, shape); ok {
				if err := qc.CheckShape(shape); err != nil {
					return nil, errors.Wrapf(err, "%s (key %q)", name, key)
				}
			}
		}
	}

	rep := newReport()
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		data, shape, err := src.ReadTensorF32(name)
		if err != nil {
			return rep, errors.Wrapf(err, "read %s", name)
		}
		key, qc, ok := matchTensor(cfg, name, shape)
		if !ok {
			if err := dst.AddFloat(name, shape, data, o.dtype); err != nil {
				return rep, errors.Wrapf(err, "write %s", name)
			}
			continue
		}

		ref := roundTo(data, o.dtype)
		q, err := quant.NewQuantizer(qc)
		if err != nil {
			return rep, err
		}
		qt, err := q.Quantize(ref, shape)
		if err != nil {
			return rep, errors.Wrapf(err, "quantize %s (key %q)", name, key)
		}
		if err := dst.AddQuantized(name, qt); err != nil {
			return rep, errors.Wrapf(err, "write %s", name)
		}
		layer, _ := LayerName(name)
		rep.add(LayerReport{
			Name:        layer,
			Key:         key,
			Kind:        "tensor",
			Shape:       shape,
			Config:      qc,
			FloatBytes:  len(data) * o.dtype.Size(),
			PackedBytes: qt.PayloadBytes(),
		})
		log.Debug("quantized tensor", "name", name, "shape", shape, "config", qc.String())
		if o.progress != nil {
			o.progress(name)
		}
	}
	for _, k := range cfg.Keys() {
		if n := len(rep.Matched[k]); n > 0 {
			log.Info("quantized tensors", "key", k, "count", n, "config", cfg[k].String())
		} else {
			log.Warn("quantization key matched no tensors", "key", k)
		}
	}
	return rep, nil
}

func matchTensor(cfg WeightQuantization, name string, shape []int) (string, quant.Config, bool) {
	layer, ok := LayerName(name)
	if !ok || len(shape) != 2 {
		return "", quant.Config{}, false
	}
	return cfg.Match(layer)
}
