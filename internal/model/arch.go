package model

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// ErrUnsupportedArch is returned for config.json files that do not describe
// an OPT decoder.
var ErrUnsupportedArch = errors.New("model: unsupported architecture")

// Config is the subset of a Hugging Face OPT config.json used here.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize            int    `json:"hidden_size"`
	FFNDim                int    `json:"ffn_dim"`
	NumAttentionHeads     int    `json:"num_attention_heads"`
	NumHiddenLayers       int    `json:"num_hidden_layers"`
	VocabSize             int    `json:"vocab_size"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	WordEmbedProjDim      int    `json:"word_embed_proj_dim"`
	ActivationFunction    string `json:"activation_function"`

	// Pointers distinguish "absent" (default true) from an explicit false.
	DoLayerNormBefore          *bool `json:"do_layer_norm_before"`
	EnableBias                 *bool `json:"enable_bias"`
	LayerNormElementwiseAffine *bool `json:"layer_norm_elementwise_affine"`
	RemoveFinalLayerNorm       bool  `json:"_remove_final_layer_norm"`
}

// OPT125M returns the facebook/opt-125m configuration.
func OPT125M() Config {
	return Config{
		ModelType:             "opt",
		Architectures:         []string{"OPTForCausalLM"},
		HiddenSize:            768,
		FFNDim:                3072,
		NumAttentionHeads:     12,
		NumHiddenLayers:       12,
		VocabSize:             50272,
		MaxPositionEmbeddings: 2048,
		WordEmbedProjDim:      768,
		ActivationFunction:    "relu",
	}
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// PreNorm reports whether layer norms run before each sub-block.
func (c Config) PreNorm() bool { return boolOr(c.DoLayerNormBefore, true) }

// Bias reports whether attention and FFN projections carry a bias.
func (c Config) Bias() bool { return boolOr(c.EnableBias, true) }

// Affine reports whether layer norms have weight and bias.
func (c Config) Affine() bool { return boolOr(c.LayerNormElementwiseAffine, true) }

// EmbedDim is the token embedding width.
func (c Config) EmbedDim() int {
	if c.WordEmbedProjDim > 0 {
		return c.WordEmbedProjDim
	}
	return c.HiddenSize
}

// HeadDim is the per-head width.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// Validate checks the dimensions needed to build a model.
func (c Config) Validate() error {
	switch {
	case c.HiddenSize <= 0, c.FFNDim <= 0, c.NumAttentionHeads <= 0,
		c.NumHiddenLayers <= 0, c.VocabSize <= 0, c.MaxPositionEmbeddings <= 0:
		return errors.Errorf("model: config has non-positive dimensions: %+v", c)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Errorf("model: hidden_size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	}
	if act := strings.ToLower(c.ActivationFunction); act != "" && act != "relu" {
		return errors.Errorf("model: unsupported activation_function %q", c.ActivationFunction)
	}
	return nil
}

// LoadConfig reads config.json from dir.
func LoadConfig(dir string) (Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return Config{}, errors.Wrap(err, "read config.json")
	}
	return loadConfigBytes(raw)
}

func loadConfigBytes(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config.json")
	}
	if err := detectArch(cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// detectArch accepts model_type "opt" or an OPT* architecture class.
func detectArch(cfg Config) error {
	if strings.EqualFold(strings.TrimSpace(cfg.ModelType), "opt") {
		return nil
	}
	for _, arch := range cfg.Architectures {
		if strings.HasPrefix(arch, "OPT") {
			return nil
		}
	}
	return errors.Wrapf(ErrUnsupportedArch, "model_type %q (architectures=%v)", cfg.ModelType, cfg.Architectures)
}
