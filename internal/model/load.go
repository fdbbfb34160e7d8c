package model

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/safetensors"
)

// WeightsFile is the checkpoint file name Load expects next to config.json.
const WeightsFile = "model.safetensors"

// Load builds an OPTModel from config.json and model.safetensors in dir.
// Checkpoints saved from OPTForCausalLM (tensors under "model.") and from a
// bare OPTModel are both accepted; lm_head tensors are ignored.
func Load(ctx context.Context, dir string) (*OPTModel, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	m, err := NewOPTModel(cfg, 0)
	if err != nil {
		return nil, err
	}
	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, errors.Wrap(err, "open weights")
	}
	defer func() { _ = f.Close() }()

	prefix := StatePrefix(f)
	n, err := nn.LoadState(m, f, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "load weights")
	}
	logger.FromContext(ctx).Info("loaded model",
		"dir", dir,
		"tensors", n,
		"layers", cfg.NumHiddenLayers,
		"hidden", cfg.HiddenSize,
		"params", nn.NumParams(m),
	)
	return m, nil
}

// StatePrefix returns the prefix under which src stores the decoder tensors.
func StatePrefix(src nn.StateSource) string {
	if src.Has("model.decoder.embed_tokens.weight") {
		return "model"
	}
	return ""
}
