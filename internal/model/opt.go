// Package model builds an OPT decoder on top of the nn module tree. Module
// and child names follow the Hugging Face implementation so checkpoint
// tensor names and layer-name quantization keys line up.
package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/tensor"
)

const layerNormEps = 1e-5

// PositionOffset is added to position ids before the positional embedding
// lookup; OPT reserves the first two rows.
const PositionOffset = 2

// Attention is causal multi-head self-attention (OPTAttention).
type Attention struct {
	NumHeads int
	HeadDim  int

	QProj   nn.Layer
	KProj   nn.Layer
	VProj   nn.Layer
	OutProj nn.Layer
}

// NewAttention allocates the four projections.
func NewAttention(cfg Config, rng *rand.Rand) *Attention {
	h, bias := cfg.HiddenSize, cfg.Bias()
	return &Attention{
		NumHeads: cfg.NumAttentionHeads,
		HeadDim:  cfg.HeadDim(),
		QProj:    nn.NewLinear(h, h, bias, rng),
		KProj:    nn.NewLinear(h, h, bias, rng),
		VProj:    nn.NewLinear(h, h, bias, rng),
		OutProj:  nn.NewLinear(h, h, bias, rng),
	}
}

func (a *Attention) Kind() string { return "OPTAttention" }

func (a *Attention) Children() []nn.Child {
	return []nn.Child{
		{Name: "k_proj", Module: a.KProj},
		{Name: "v_proj", Module: a.VProj},
		{Name: "q_proj", Module: a.QProj},
		{Name: "out_proj", Module: a.OutProj},
	}
}

func (a *Attention) SetChild(name string, m nn.Module) error {
	switch name {
	case "q_proj":
		return nn.AssignLayer(&a.QProj, name, m)
	case "k_proj":
		return nn.AssignLayer(&a.KProj, name, m)
	case "v_proj":
		return nn.AssignLayer(&a.VProj, name, m)
	case "out_proj":
		return nn.AssignLayer(&a.OutProj, name, m)
	}
	return nn.UnknownChild(a.Kind(), name)
}

// Forward attends every row of x to itself and the rows before it.
func (a *Attention) Forward(x tensor.Mat) (tensor.Mat, error) {
	q, err := a.QProj.Forward(x)
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "q_proj")
	}
	k, err := a.KProj.Forward(x)
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "k_proj")
	}
	v, err := a.VProj.Forward(x)
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "v_proj")
	}
	width := a.NumHeads * a.HeadDim
	if q.C != width || k.C != width || v.C != width {
		return tensor.Mat{}, errors.Errorf("attention: projections are %d/%d/%d wide, want %d", q.C, k.C, v.C, width)
	}

	scale := float32(1 / math.Sqrt(float64(a.HeadDim)))
	ctx := tensor.NewMat(x.R, width)
	scores := make([]float32, x.R)
	for h := 0; h < a.NumHeads; h++ {
		lo, hi := h*a.HeadDim, (h+1)*a.HeadDim
		for i := 0; i < x.R; i++ {
			qi := q.Row(i)[lo:hi]
			s := scores[:i+1]
			for j := 0; j <= i; j++ {
				s[j] = tensor.Dot(qi, k.Row(j)[lo:hi]) * scale
			}
			tensor.Softmax(s)
			out := ctx.Row(i)[lo:hi]
			for j := 0; j <= i; j++ {
				vj := v.Row(j)[lo:hi]
				for d := range out {
					out[d] += s[j] * vj[d]
				}
			}
		}
	}
	out, err := a.OutProj.Forward(ctx)
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "out_proj")
	}
	return out, nil
}

// DecoderLayer is one OPT transformer block (OPTDecoderLayer).
type DecoderLayer struct {
	PreNorm bool

	SelfAttn          nn.Layer
	SelfAttnLayerNorm nn.Layer
	FC1               nn.Layer
	FC2               nn.Layer
	FinalLayerNorm    nn.Layer
}

// NewDecoderLayer allocates a block for cfg.
func NewDecoderLayer(cfg Config, rng *rand.Rand) *DecoderLayer {
	h, bias, affine := cfg.HiddenSize, cfg.Bias(), cfg.Affine()
	return &DecoderLayer{
		PreNorm:           cfg.PreNorm(),
		SelfAttn:          NewAttention(cfg, rng),
		SelfAttnLayerNorm: nn.NewLayerNorm(h, layerNormEps, affine),
		FC1:               nn.NewLinear(h, cfg.FFNDim, bias, rng),
		FC2:               nn.NewLinear(cfg.FFNDim, h, bias, rng),
		FinalLayerNorm:    nn.NewLayerNorm(h, layerNormEps, affine),
	}
}

func (l *DecoderLayer) Kind() string { return "OPTDecoderLayer" }

func (l *DecoderLayer) Children() []nn.Child {
	return []nn.Child{
		{Name: "self_attn", Module: l.SelfAttn},
		{Name: "self_attn_layer_norm", Module: l.SelfAttnLayerNorm},
		{Name: "fc1", Module: l.FC1},
		{Name: "fc2", Module: l.FC2},
		{Name: "final_layer_norm", Module: l.FinalLayerNorm},
	}
}

func (l *DecoderLayer) SetChild(name string, m nn.Module) error {
	switch name {
	case "self_attn":
		return nn.AssignLayer(&l.SelfAttn, name, m)
	case "self_attn_layer_norm":
		return nn.AssignLayer(&l.SelfAttnLayerNorm, name, m)
	case "fc1":
		return nn.AssignLayer(&l.FC1, name, m)
	case "fc2":
		return nn.AssignLayer(&l.FC2, name, m)
	case "final_layer_norm":
		return nn.AssignLayer(&l.FinalLayerNorm, name, m)
	}
	return nn.UnknownChild(l.Kind(), name)
}

func (l *DecoderLayer) Forward(x tensor.Mat) (tensor.Mat, error) {
	h, err := l.residual(x, l.SelfAttnLayerNorm, func(in tensor.Mat) (tensor.Mat, error) {
		return l.SelfAttn.Forward(in)
	})
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "self_attn")
	}
	h, err = l.residual(h, l.FinalLayerNorm, func(in tensor.Mat) (tensor.Mat, error) {
		up, err := l.FC1.Forward(in)
		if err != nil {
			return tensor.Mat{}, err
		}
		tensor.ReLU(up.Data)
		return l.FC2.Forward(up)
	})
	if err != nil {
		return tensor.Mat{}, errors.Wrap(err, "ffn")
	}
	return h, nil
}

// residual computes x + f(norm(x)) in pre-norm mode and norm(x + f(x))
// otherwise.
func (l *DecoderLayer) residual(x tensor.Mat, norm nn.Layer, f func(tensor.Mat) (tensor.Mat, error)) (tensor.Mat, error) {
	in := x
	if l.PreNorm {
		var err error
		if in, err = norm.Forward(x); err != nil {
			return tensor.Mat{}, err
		}
	}
	out, err := f(in)
	if err != nil {
		return tensor.Mat{}, err
	}
	if err := tensor.AddMat(&out, &x); err != nil {
		return tensor.Mat{}, err
	}
	if !l.PreNorm {
		return norm.Forward(out)
	}
	return out, nil
}

// PositionalEmbedding is OPT's learned positional table
// (OPTLearnedPositionalEmbedding). Row p+PositionOffset encodes position p.
type PositionalEmbedding struct {
	*nn.Embedding
}

func (p *PositionalEmbedding) Kind() string { return "OPTLearnedPositionalEmbedding" }

// Positions returns the embeddings for positions 0..n-1.
func (p *PositionalEmbedding) Positions(n int) (tensor.Mat, error) {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + PositionOffset
	}
	return p.Lookup(ids)
}

// Decoder is the OPT decoder stack (OPTDecoder).
type Decoder struct {
	EmbedTokens    nn.Embedder
	EmbedPositions *PositionalEmbedding
	ProjectIn      nn.Layer // nil unless word_embed_proj_dim != hidden_size
	ProjectOut     nn.Layer
	FinalLayerNorm nn.Layer // nil for post-norm models
	Layers         *nn.List
}

// NewDecoder allocates a decoder for cfg.
func NewDecoder(cfg Config, rng *rand.Rand) *Decoder {
	h, e := cfg.HiddenSize, cfg.EmbedDim()
	d := &Decoder{
		EmbedTokens:    nn.NewEmbedding(cfg.VocabSize, e, rng),
		EmbedPositions: &PositionalEmbedding{nn.NewEmbedding(cfg.MaxPositionEmbeddings+PositionOffset, h, rng)},
		Layers:         nn.NewList(),
	}
	if e != h {
		d.ProjectOut = nn.NewLinear(h, e, false, rng)
		d.ProjectIn = nn.NewLinear(e, h, false, rng)
	}
	if cfg.PreNorm() && !cfg.RemoveFinalLayerNorm {
		d.FinalLayerNorm = nn.NewLayerNorm(h, layerNormEps, cfg.Affine())
	}
	for range cfg.NumHiddenLayers {
		d.Layers.Append(NewDecoderLayer(cfg, rng))
	}
	return d
}

func (d *Decoder) Kind() string { return "OPTDecoder" }

func (d *Decoder) Children() []nn.Child {
	out := []nn.Child{
		{Name: "embed_tokens", Module: d.EmbedTokens},
		{Name: "embed_positions", Module: d.EmbedPositions},
	}
	if d.ProjectOut != nil {
		out = append(out, nn.Child{Name: "project_out", Module: d.ProjectOut})
	}
	if d.ProjectIn != nil {
		out = append(out, nn.Child{Name: "project_in", Module: d.ProjectIn})
	}
	if d.FinalLayerNorm != nil {
		out = append(out, nn.Child{Name: "final_layer_norm", Module: d.FinalLayerNorm})
	}
	return append(out, nn.Child{Name: "layers", Module: d.Layers})
}

func (d *Decoder) SetChild(name string, m nn.Module) error {
	switch name {
	case "embed_tokens":
		return nn.AssignEmbedder(&d.EmbedTokens, name, m)
	case "project_in":
		if d.ProjectIn != nil {
			return nn.AssignLayer(&d.ProjectIn, name, m)
		}
	case "project_out":
		if d.ProjectOut != nil {
			return nn.AssignLayer(&d.ProjectOut, name, m)
		}
	case "final_layer_norm":
		if d.FinalLayerNorm != nil {
			return nn.AssignLayer(&d.FinalLayerNorm, name, m)
		}
	case "embed_positions", "layers":
		return errors.Wrapf(nn.ErrIncompatible, "%s.%s cannot be replaced", d.Kind(), name)
	}
	return nn.UnknownChild(d.Kind(), name)
}

// Forward returns the last hidden state for a sequence of token ids.
func (d *Decoder) Forward(ids []int) (tensor.Mat, error) {
	if len(ids) == 0 {
		return tensor.Mat{}, errors.New("decoder: empty input")
	}
	if limit := d.EmbedPositions.Weight.R - PositionOffset; len(ids) > limit {
		return tensor.Mat{}, errors.Errorf("decoder: %d tokens exceed %d positions", len(ids), limit)
	}
	h, err := d.EmbedTokens.Lookup(ids)
	if err != nil {
		return tensor.Mat{}, err
	}
	if d.ProjectIn != nil {
		if h, err = d.ProjectIn.Forward(h); err != nil {
			return tensor.Mat{}, errors.Wrap(err, "project_in")
		}
	}
	pos, err := d.EmbedPositions.Positions(len(ids))
	if err != nil {
		return tensor.Mat{}, err
	}
	if err := tensor.AddMat(&h, &pos); err != nil {
		return tensor.Mat{}, errors.Wrap(err, "embed_positions")
	}
	for i := range d.Layers.Len() {
		layer, ok := d.Layers.At(i).(nn.Layer)
		if !ok {
			return tensor.Mat{}, errors.Wrapf(nn.ErrIncompatible, "layers.%d is %s", i, d.Layers.At(i).Kind())
		}
		if h, err = layer.Forward(h); err != nil {
			return tensor.Mat{}, errors.Wrapf(err, "layers.%d", i)
		}
	}
	if d.FinalLayerNorm != nil {
		if h, err = d.FinalLayerNorm.Forward(h); err != nil {
			return tensor.Mat{}, errors.Wrap(err, "final_layer_norm")
		}
	}
	if d.ProjectOut != nil {
		if h, err = d.ProjectOut.Forward(h); err != nil {
			return tensor.Mat{}, errors.Wrap(err, "project_out")
		}
	}
	return h, nil
}

// OPTModel is the bare decoder model without a language-model head.
type OPTModel struct {
	Config  Config
	Decoder *Decoder
}

// NewOPTModel builds a randomly initialised model. The same seed always
// yields the same weights.
func NewOPTModel(cfg Config, seed int64) (*OPTModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	return &OPTModel{Config: cfg, Decoder: NewDecoder(cfg, rng)}, nil
}

func (m *OPTModel) Kind() string { return "OPTModel" }

func (m *OPTModel) Children() []nn.Child {
	return []nn.Child{{Name: "decoder", Module: m.Decoder}}
}

func (m *OPTModel) SetChild(name string, _ nn.Module) error {
	if name == "decoder" {
		return errors.Wrapf(nn.ErrIncompatible, "%s.decoder cannot be replaced", m.Kind())
	}
	return nn.UnknownChild(m.Kind(), name)
}

// Forward returns the last hidden state, [len(ids), hidden_size].
func (m *OPTModel) Forward(ids []int) (tensor.Mat, error) {
	return m.Decoder.Forward(ids)
}
