package compress

import (
	"cmp"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/groupq/pkg/quant"
)

// WeightQuantization maps a layer-name key to the config applied to every
// layer whose qualified name contains the key.
type WeightQuantization map[string]quant.Config

// Validate checks every entry. Keys must be non-empty.
func (w WeightQuantization) Validate() error {
	if len(w) == 0 {
		return errors.New("weight_quantization: no layer keys")
	}
	for _, key := range w.Keys() {
		if strings.TrimSpace(key) == "" {
			return errors.New("weight_quantization: empty layer key")
		}
		if err := w[key].Validate(); err != nil {
			return errors.Wrapf(err, "weight_quantization.%s", key)
		}
	}
	return nil
}

// Keys returns the keys in match priority order: longest first, ties broken
// lexically.
func (w WeightQuantization) Keys() []string {
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return keys
}

// Match returns the key and config that apply to a qualified layer name. A
// key matches when it occurs anywhere in the name, so "fc" covers fc1 and fc2
// and "self_attn.q_proj" covers decoder.layers.3.self_attn.q_proj.
func (w WeightQuantization) Match(name string) (string, quant.Config, bool) {
	for _, key := range w.Keys() {
		if strings.Contains(name, key) {
			return key, w[key], true
		}
	}
	return "", quant.Config{}, false
}

// File is the part of a DeepSpeed-style config consumed by groupq.
type File struct {
	WeightQuantization WeightQuantization
	// DType is the dequantization target, F16 when fp16.enabled and BF16
	// when bf16.enabled.
	DType quant.DType
}

type toggle struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type rawHeader struct {
	FP16               toggle `yaml:"fp16" json:"fp16"`
	BF16               toggle `yaml:"bf16" json:"bf16"`
	WeightQuantization struct {
		PostInitQuant WeightQuantization `yaml:"post_init_quant" json:"post_init_quant"`
	} `yaml:"weight_quantization" json:"weight_quantization"`
}

type rawFlat struct {
	WeightQuantization WeightQuantization `yaml:"weight_quantization" json:"weight_quantization"`
}

// LoadConfig reads a config file. Files ending in .json are decoded as JSON,
// everything else as YAML.
func LoadConfig(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read quantization config")
	}
	f, err := ParseConfig(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return f, nil
}

// ParseConfig decodes either layout:
//
//	weight_quantization: {fc: {num_bits: 4, ...}}
//	weight_quantization: {post_init_quant: {fc: {num_bits: 4, ...}}}
func ParseConfig(data []byte, isJSON bool) (*File, error) {
	unmarshal := yaml.Unmarshal
	if isJSON {
		unmarshal = json.Unmarshal
	}

	var hdr rawHeader
	if err := unmarshal(data, &hdr); err != nil {
		return nil, err
	}
	wq := hdr.WeightQuantization.PostInitQuant
	if len(wq) == 0 {
		var flat rawFlat
		if err := unmarshal(data, &flat); err != nil {
			return nil, err
		}
		wq = flat.WeightQuantization
		delete(wq, "post_init_quant")
	}
	if err := wq.Validate(); err != nil {
		return nil, err
	}

	f := &File{WeightQuantization: wq, DType: quant.F32}
	switch {
	case hdr.FP16.Enabled && hdr.BF16.Enabled:
		return nil, errors.New("fp16 and bf16 are both enabled")
	case hdr.FP16.Enabled:
		f.DType = quant.F16
	case hdr.BF16.Enabled:
		f.DType = quant.BF16
	}
	return f, nil
}
