package compress

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/model"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/tensor"
	"github.com/samcharles93/groupq/pkg/quant"
)

func quietCtx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func int4(groupSize, groupDim int) quant.Config {
	return quant.Config{NumBits: 4, GroupSize: groupSize, GroupDim: groupDim}
}

func projectionConfig(cfg quant.Config) WeightQuantization {
	return WeightQuantization{
		"fc":                 cfg,
		"self_attn.q_proj":   cfg,
		"self_attn.k_proj":   cfg,
		"self_attn.v_proj":   cfg,
		"self_attn.out_proj": cfg,
	}
}

func TestModelQuantization(t *testing.T) {
	layer := model.NewDecoderLayer(model.OPT125M(), rand.New(rand.NewSource(1234)))
	rep, err := Apply(quietCtx(), layer, projectionConfig(int4(64, 0)))
	require.NoError(t, err)

	assert.IsType(t, &QuantizedLinear{}, layer.FC1)
	assert.IsType(t, &QuantizedLinear{}, layer.FC2)
	attn := layer.SelfAttn.(*model.Attention)
	assert.IsType(t, &QuantizedLinear{}, attn.QProj)
	assert.IsType(t, &QuantizedLinear{}, attn.KProj)
	assert.IsType(t, &QuantizedLinear{}, attn.VProj)
	assert.IsType(t, &QuantizedLinear{}, attn.OutProj)
	assert.IsType(t, &nn.LayerNorm{}, layer.SelfAttnLayerNorm, "unmatched layers are untouched")

	assert.Len(t, rep.Layers, 6)
	assert.Equal(t, []string{"fc1", "fc2"}, rep.Matched["fc"])
	assert.Equal(t, []string{"self_attn.out_proj"}, rep.Matched["self_attn.out_proj"])
	assert.InDelta(t, (0.5+8.0/64)/4, rep.Ratio(), 1e-6, "4-bit codes plus f32 scale and min per 64 values")
}

func TestQuantizedLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	children := make([]nn.Child, 5)
	for i := range children {
		children[i] = nn.Child{Name: fmt.Sprintf("layer_%d", i), Module: nn.NewLinear(128, 128, true, rng)}
	}
	seq, err := nn.NewSequential(children...)
	require.NoError(t, err)

	x := tensor.NewMat(32, 128)
	tensor.FillRandn(&x, rng)
	ref, err := seq.Forward(x)
	require.NoError(t, err)

	_, err = Apply(quietCtx(), seq, WeightQuantization{"layer": int4(64, 0)}, WithDType(quant.F16))
	require.NoError(t, err)
	for _, c := range seq.Children() {
		assert.IsType(t, &QuantizedLinear{}, c.Module, c.Name)
	}

	out, err := seq.Forward(x)
	require.NoError(t, err)
	diff, err := tensor.MeanAbsDiff(&ref, &out)
	require.NoError(t, err)
	// Threshold is empirical.
	assert.Less(t, diff, 0.15)
	assert.Greater(t, diff, 0.0, "quantization is lossy")
}

func TestFullModelQuantization(t *testing.T) {
	cfg := model.Config{
		ModelType:             "opt",
		HiddenSize:            64,
		FFNDim:                256,
		NumAttentionHeads:     4,
		NumHiddenLayers:       3,
		VocabSize:             96,
		MaxPositionEmbeddings: 32,
	}
	m, err := model.NewOPTModel(cfg, 1234)
	require.NoError(t, err)
	ids := make([]int, 16)
	for i := range ids {
		ids[i] = 1
	}
	ref, err := m.Forward(ids)
	require.NoError(t, err)

	wq := projectionConfig(int4(32, 1))
	wq["lm_head"] = int4(32, 1)
	wq["embed_tokens"] = int4(32, 1)
	rep, err := Apply(quietCtx(), m, wq, WithDType(quant.F16))
	require.NoError(t, err)

	assert.IsType(t, &QuantizedEmbedding{}, m.Decoder.EmbedTokens)
	assert.IsType(t, &model.PositionalEmbedding{}, m.Decoder.EmbedPositions)
	assert.Len(t, rep.Layers, 3*6+1)
	assert.Empty(t, rep.Matched["lm_head"])

	out, err := m.Forward(ids)
	require.NoError(t, err)
	diff, err := tensor.MeanAbsDiff(&ref, &out)
	require.NoError(t, err)
	assert.Less(t, diff, 0.4)
}

func TestReapplyIsRejected(t *testing.T) {
	layer := model.NewDecoderLayer(model.OPT125M(), rand.New(rand.NewSource(1)))
	wq := projectionConfig(int4(64, 1))
	_, err := Apply(quietCtx(), layer, wq)
	require.NoError(t, err)
	before := nn.Describe(layer)

	_, err = Apply(quietCtx(), layer, wq)
	assert.ErrorIs(t, err, ErrAlreadyQuantized)
	assert.Equal(t, before, nn.Describe(layer))
}

func TestFailedPlanLeavesTreeIntact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seq, err := nn.NewSequential(
		nn.Child{Name: "fc1", Module: nn.NewLinear(64, 64, true, rng)},
		nn.Child{Name: "fc2", Module: nn.NewLinear(64, 48, true, rng)},
	)
	require.NoError(t, err)

	_, err = Apply(quietCtx(), seq, WeightQuantization{"fc": int4(32, 0)})
	assert.ErrorIs(t, err, quant.ErrShapeMismatch)
	assert.IsType(t, &nn.Linear{}, seq.Children()[0].Module, "fc1 must not be replaced when fc2 fails")

	_, err = Apply(quietCtx(), seq, WeightQuantization{"fc": {NumBits: 3, GroupSize: 16}})
	assert.ErrorIs(t, err, quant.ErrUnsupportedBits)
}

func TestNonFiniteWeightLeavesTreeIntact(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	fc2 := nn.NewLinear(64, 48, true, rng)
	seq, err := nn.NewSequential(
		nn.Child{Name: "fc1", Module: nn.NewLinear(64, 64, true, rng)},
		nn.Child{Name: "fc2", Module: fc2},
	)
	require.NoError(t, err)

	fc2.Weight.Data[5] = float32(math.NaN())
	_, err = Apply(quietCtx(), seq, WeightQuantization{"fc": int4(32, 1)})
	require.ErrorIs(t, err, quant.ErrNonFinite)
	assert.Contains(t, err.Error(), "fc2")
	assert.IsType(t, &nn.Linear{}, seq.Children()[0].Module)
	assert.IsType(t, &nn.Linear{}, seq.Children()[1].Module)
	assert.Empty(t, QuantizedWeights(seq))

	fc2.Weight.Data[5] = 0
	_, err = Apply(quietCtx(), seq, WeightQuantization{"fc": int4(32, 1)})
	require.NoError(t, err)
	assert.Len(t, QuantizedWeights(seq), 2)
}

func TestQuantizedWeights(t *testing.T) {
	m, err := model.NewOPTModel(model.Config{
		ModelType: "opt", HiddenSize: 32, FFNDim: 64, NumAttentionHeads: 2,
		NumHiddenLayers: 2, VocabSize: 32, MaxPositionEmbeddings: 8,
	}, 3)
	require.NoError(t, err)
	assert.Empty(t, QuantizedWeights(m))

	_, err = Apply(quietCtx(), m, projectionConfig(int4(16, 1)))
	require.NoError(t, err)

	weights := QuantizedWeights(m)
	assert.Len(t, weights, 12)
	w, ok := weights["decoder.layers.1.fc2"]
	require.True(t, ok)
	assert.Equal(t, []int{32, 64}, w.Shape)
	assert.Equal(t, 4, w.Config.NumBits)
	assert.NotContains(t, weights, "decoder.embed_tokens")
}

func TestQuantizedLinearCastsToDType(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	l := nn.NewLinear(32, 16, false, rng)
	// Values below F16 resolution near 1 collapse once cast.
	for i := range l.Weight.Data {
		l.Weight.Data[i] = 1 + float32(i%7)*1e-4
	}
	cfg := quant.Config{NumBits: 8, GroupSize: 32, GroupDim: 1}

	ql, err := NewQuantizedLinear(l, cfg, quant.F16)
	require.NoError(t, err)

	cast := make([]float32, len(l.Weight.Data))
	for i, v := range l.Weight.Data {
		cast[i] = quant.F16.Round(v)
	}
	q, err := quant.NewQuantizer(cfg)
	require.NoError(t, err)
	want, err := q.Quantize(cast, l.Weight.Shape())
	require.NoError(t, err)
	assert.Equal(t, want.Data, ql.Weight.Data)
	assert.Equal(t, want.Scales, ql.Weight.Scales)
	assert.Equal(t, want.Mins, ql.Weight.Mins)

	raw, err := q.Quantize(l.Weight.Data, l.Weight.Shape())
	require.NoError(t, err)
	assert.NotEqual(t, raw.Scales, ql.Weight.Scales)
}

func TestPlanOrder(t *testing.T) {
	m, err := model.NewOPTModel(model.Config{
		ModelType: "opt", HiddenSize: 32, FFNDim: 32, NumAttentionHeads: 2,
		NumHiddenLayers: 1, VocabSize: 32, MaxPositionEmbeddings: 8,
	}, 1)
	require.NoError(t, err)
	names, err := Plan(m, WeightQuantization{"proj": int4(16, 1), "embed_tokens": int4(16, 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"decoder.embed_tokens",
		"decoder.layers.0.self_attn.k_proj",
		"decoder.layers.0.self_attn.v_proj",
		"decoder.layers.0.self_attn.q_proj",
		"decoder.layers.0.self_attn.out_proj",
	}, names)
}

func TestQuantizedEmbeddingLookup(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	emb := nn.NewEmbedding(40, 64, rng)
	qe, err := NewQuantizedEmbedding(emb, quant.Config{NumBits: 8, GroupSize: 64, GroupDim: 1}, quant.F32)
	require.NoError(t, err)

	ids := []int{0, 39, 7, 7}
	want, err := emb.Lookup(ids)
	require.NoError(t, err)
	got, err := qe.Lookup(ids)
	require.NoError(t, err)
	diff, err := tensor.MeanAbsDiff(&want, &got)
	require.NoError(t, err)
	assert.Less(t, diff, 0.02)

	_, err = qe.Lookup([]int{40})
	assert.Error(t, err)
	assert.Equal(t, "40, 64, quant=int8/g64/dim1/asym", qe.Extra())
}

func TestApplyLogsMatchesPerKey(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.WithContext(context.Background(), logger.JSON(&buf, slog.LevelInfo))
	rng := rand.New(rand.NewSource(1))
	seq, err := nn.NewSequential(
		nn.Child{Name: "fc1", Module: nn.NewLinear(32, 32, false, rng)},
		nn.Child{Name: "out", Module: nn.NewLinear(32, 32, false, rng)},
	)
	require.NoError(t, err)

	_, err = Apply(ctx, seq, WeightQuantization{"fc": int4(32, 1), "missing": int4(32, 1)})
	require.NoError(t, err)
	logs := buf.String()
	assert.Contains(t, logs, `"msg":"quantized layers"`)
	assert.Contains(t, logs, `"key":"fc"`)
	assert.Contains(t, logs, `"component":"compress"`)
	assert.True(t, strings.Contains(logs, `"msg":"quantization key matched no layers"`), logs)
}
