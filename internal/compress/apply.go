// Package compress substitutes quantized layers into a module tree and
// quantizes flat tensor sets loaded from disk.
package compress

import (
	"context"
	"slices"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/pkg/quant"
)

// ErrAlreadyQuantized is returned when a matched layer already holds a
// quantized weight.
var ErrAlreadyQuantized = errors.New("compress: layer is already quantized")

// LayerReport describes one substituted layer.
type LayerReport struct {
	Name        string       `json:"name"`
	Key         string       `json:"key"`
	Kind        string       `json:"kind"`
	Shape       []int        `json:"shape"`
	Config      quant.Config `json:"config"`
	FloatBytes  int          `json:"float_bytes"`
	PackedBytes int          `json:"packed_bytes"`
}

// Report summarises an Apply or QuantizeState run.
type Report struct {
	Layers      []LayerReport       `json:"layers"`
	Matched     map[string][]string `json:"matched"`
	FloatBytes  int                 `json:"float_bytes"`
	PackedBytes int                 `json:"packed_bytes"`
}

func newReport() *Report {
	return &Report{Matched: make(map[string][]string)}
}

func (r *Report) add(lr LayerReport) {
	r.Layers = append(r.Layers, lr)
	r.Matched[lr.Key] = append(r.Matched[lr.Key], lr.Name)
	r.FloatBytes += lr.FloatBytes
	r.PackedBytes += lr.PackedBytes
}

// Ratio is PackedBytes / FloatBytes, or 0 when nothing was quantized.
func (r *Report) Ratio() float64 {
	if r.FloatBytes == 0 {
		return 0
	}
	return float64(r.PackedBytes) / float64(r.FloatBytes)
}

type options struct {
	dtype    quant.DType
	progress func(name string)
}

// Option configures Apply and QuantizeState.
type Option func(*options)

// WithDType sets the precision quantized layers dequantize to. Float byte
// counts in the report are measured at this precision too.
func WithDType(d quant.DType) Option {
	return func(o *options) { o.dtype = d }
}

// WithProgress registers a callback invoked after each layer is quantized.
func WithProgress(fn func(name string)) Option {
	return func(o *options) { o.progress = fn }
}

func buildOptions(opts []Option) options {
	o := options{dtype: quant.F32}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type target struct {
	key string
	cfg quant.Config
}

// Plan returns the qualified names Apply would replace, in walk order, and
// fails without touching the tree if any of them cannot be quantized.
func Plan(root nn.Module, cfg WeightQuantization) ([]string, error) {
	targets, err := plan(root, cfg)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(targets))
	_ = nn.Walk(root, func(path string, _ nn.Module) error {
		if _, ok := targets[path]; ok {
			names = append(names, path)
		}
		return nil
	})
	return names, nil
}

func plan(root nn.Module, cfg WeightQuantization) (map[string]target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]target)
	err := nn.Walk(root, func(path string, m nn.Module) error {
		if path == "" {
			return nil
		}
		key, qc, ok := cfg.Match(path)
		if !ok {
			return nil
		}
		var shape []int
		switch l := m.(type) {
		case Quantized:
			return errors.Wrapf(ErrAlreadyQuantized, "%s (%s)", path, m.Kind())
		case *nn.Linear:
			shape = l.Weight.Shape()
		case *nn.Embedding:
			shape = l.Weight.Shape()
		default:
			return nil
		}
		if err := qc.CheckShape(shape); err != nil {
			return errors.Wrapf(err, "%s (key %q)", path, key)
		}
		out[path] = target{key: key, cfg: qc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply replaces every Linear and Embedding below root whose qualified name
// matches a key in cfg with its quantized counterpart. Every replacement is
// built before the tree is modified, so a failed Apply leaves root intact.
// Unmatched layers are untouched.
func Apply(ctx context.Context, root nn.Module, cfg WeightQuantization, opts ...Option) (*Report, error) {
	o := buildOptions(opts)
	log := logger.FromContext(ctx).With(logger.ComponentKey, "compress")

	targets, err := plan(root, cfg)
	if err != nil {
		return nil, err
	}

	// All replacements are built before the first swap.
	built := make(map[string]nn.Module, len(targets))
	rep := newReport()
	err = nn.Walk(root, func(path string, m nn.Module) error {
		t, ok := targets[path]
		if !ok {
			return nil
		}
		out, w, err := quantizeModule(m, t.cfg, o.dtype)
		if err != nil {
			return errors.Wrapf(err, "%s (key %q)", path, t.key)
		}
		built[path] = out
		rep.add(LayerReport{
			Name:        path,
			Key:         t.key,
			Kind:        m.Kind(),
			Shape:       w.Shape,
			Config:      t.cfg,
			FloatBytes:  w.Len() * o.dtype.Size(),
			PackedBytes: w.PayloadBytes(),
		})
		log.Debug("quantized layer", "name", path, "kind", m.Kind(), "config", t.cfg.String())
		if o.progress != nil {
			o.progress(path)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err = nn.Replace(root,
		func(path string, _ nn.Module) bool {
			_, ok := built[path]
			return ok
		},
		func(path string, _ nn.Module) (nn.Module, error) {
			return built[path], nil
		},
	)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(rep.Matched))
	for k := range rep.Matched {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		log.Info("quantized layers", "key", k, "count", len(rep.Matched[k]), "config", cfg[k].String())
	}
	for _, k := range cfg.Keys() {
		if _, ok := rep.Matched[k]; !ok {
			log.Warn("quantization key matched no layers", "key", k)
		}
	}
	return rep, nil
}

func quantizeModule(m nn.Module, cfg quant.Config, dtype quant.DType) (Quantized, *quant.Tensor, error) {
	switch l := m.(type) {
	case *nn.Linear:
		ql, err := NewQuantizedLinear(l, cfg, dtype)
		if err != nil {
			return nil, nil, err
		}
		return ql, ql.Weight, nil
	case *nn.Embedding:
		qe, err := NewQuantizedEmbedding(l, cfg, dtype)
		if err != nil {
			return nil, nil, err
		}
		return qe, qe.Weight, nil
	}
	return nil, nil, errors.Errorf("compress: cannot quantize %s", m.Kind())
}

// QuantizedWeights collects every quantized weight below root keyed by the
// owning module's qualified name.
func QuantizedWeights(root nn.Module) map[string]*quant.Tensor {
	out := make(map[string]*quant.Tensor)
	_ = nn.Walk(root, func(path string, m nn.Module) error {
		if q, ok := m.(Quantized); ok {
			out[path] = q.QuantizedWeight()
		}
		return nil
	})
	return out
}
