package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/groupq/pkg/quant"
)

// writeRaw creates a safetensors file from a raw header and payload.
func writeRaw(t *testing.T, header any, payload []byte) string {
	t.Helper()
	hdr, err := json.Marshal(header)
	require.NoError(t, err)
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	buf.Write(lenBuf[:])
	buf.Write(hdr)
	buf.Write(payload)
	path := filepath.Join(t.TempDir(), "test.safetensors")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 24)
	binary.LittleEndian.PutUint32(payload[4:], math.Float32bits(1.5))
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"weight":       tensorHeader{DType: "F32", Shape: []int{2, 3}, DataOffsets: []int64{0, 24}},
	}, payload)

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{"weight"}, f.Names(), "metadata is not a tensor")
	assert.Equal(t, "pt", f.Metadata["format"])
	assert.True(t, f.Has("weight"))
	shape, ok := f.Shape("weight")
	require.True(t, ok)
	assert.Equal(t, []int{2, 3}, shape)

	data, gotShape, err := f.ReadTensorF32("weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, gotShape)
	assert.Equal(t, float32(1.5), data[1])
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	short := filepath.Join(dir, "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{0, 0, 0, 0}, 0o644))
	_, err := Open(short)
	assert.Error(t, err)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	badJSON := filepath.Join(dir, "json.safetensors")
	require.NoError(t, os.WriteFile(badJSON, append(lenBuf[:], []byte("not valid js")...), 0o644))
	_, err = Open(badJSON)
	assert.True(t, errors.Is(err, ErrCorruptFile), "got %v", err)

	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	huge := filepath.Join(dir, "huge.safetensors")
	require.NoError(t, os.WriteFile(huge, append(lenBuf[:], '{', '}'), 0o644))
	_, err = Open(huge)
	assert.True(t, errors.Is(err, ErrCorruptFile), "got %v", err)

	_, err = Open(filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)
}

func TestOpenRejectsBadOffsets(t *testing.T) {
	t.Parallel()
	for name, offsets := range map[string][]int64{
		"single":   {0},
		"inverted": {8, 4},
		"overflow": {0, 64},
	} {
		path := writeRaw(t, map[string]any{
			"w": tensorHeader{DType: "F32", Shape: []int{2}, DataOffsets: offsets},
		}, make([]byte, 8))
		_, err := Open(path)
		assert.True(t, errors.Is(err, ErrCorruptFile), "%s: got %v", name, err)
	}
}

func TestReadTensorErrors(t *testing.T) {
	t.Parallel()
	path := writeRaw(t, map[string]any{
		"ints":  tensorHeader{DType: "I32", Shape: []int{2}, DataOffsets: []int64{0, 8}},
		"short": tensorHeader{DType: "F32", Shape: []int{3}, DataOffsets: []int64{8, 16}},
	}, make([]byte, 16))
	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	_, _, err = f.ReadTensorF32("ints")
	assert.ErrorContains(t, err, "unsupported dtype I32")
	_, _, err = f.ReadTensorF32("short")
	assert.True(t, errors.Is(err, ErrCorruptFile), "got %v", err)
	_, _, err = f.ReadTensorF32("nope")
	assert.True(t, errors.Is(err, ErrTensorNotFound), "got %v", err)
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{}, 1, false},
		{[]int{4, 0}, 0, false},
		{[]int{-1}, 0, true},
		{[]int{1 << 62, 1 << 62}, 0, true},
	}
	for _, tc := range tests {
		got, err := numElements(tc.shape)
		if tc.wantErr {
			assert.Error(t, err, "%v", tc.shape)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%v", tc.shape)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	w.SetMetadata("format", "pt")
	vals := []float32{1, -2, 0.5, 3.25, -0.125, 7}
	require.NoError(t, w.AddFloat("b.f32", []int{2, 3}, vals, quant.F32))
	require.NoError(t, w.AddFloat("a.f16", []int{6}, vals, quant.F16))
	require.NoError(t, w.AddFloat("c.bf16", []int{3, 2}, vals, quant.BF16))
	require.Error(t, w.AddFloat("a.f16", []int{6}, vals, quant.F16), "duplicate")
	require.Error(t, w.Add("bad", "F32", []int{2}, make([]byte, 4)), "size mismatch")

	path := filepath.Join(t.TempDir(), "out.safetensors")
	n, err := w.WriteFile(path)
	require.NoError(t, err)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, st.Size(), n)

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Zero(t, f.DataStart%headerAlign, "data must be 8-byte aligned")
	assert.Equal(t, []string{"a.f16", "b.f32", "c.bf16"}, f.Names())
	assert.Equal(t, "pt", f.Metadata["format"])

	for name, tol := range map[string]float32{"b.f32": 0, "a.f16": 0, "c.bf16": 0.01} {
		got, _, err := f.ReadTensorF32(name)
		require.NoError(t, err, name)
		require.Len(t, got, len(vals))
		for i := range vals {
			assert.InDelta(t, vals[i], got[i], float64(tol)+1e-9, "%s[%d]", name, i)
		}
	}
}

func TestQuantizedRoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	vals := make([]float32, 16*32)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64())
	}
	for _, cfg := range []quant.Config{
		{NumBits: 4, GroupSize: 8, GroupDim: 1},
		{NumBits: 8, GroupSize: 4, GroupDim: 0, Symmetric: true},
	} {
		q, err := quant.NewQuantizer(cfg)
		require.NoError(t, err)
		qt, err := q.Quantize(vals, []int{16, 32})
		require.NoError(t, err)

		w := NewWriter()
		require.NoError(t, w.AddQuantized("decoder.fc1.weight", qt))
		require.NoError(t, w.AddFloat("decoder.fc1.bias", []int{2}, []float32{1, 2}, quant.F32))
		var buf bytes.Buffer
		_, err = w.WriteTo(&buf)
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "q.safetensors")
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		f, err := Open(path)
		require.NoError(t, err)

		assert.True(t, f.Has("decoder.fc1.qweight"))
		assert.Equal(t, !cfg.Symmetric, f.Has("decoder.fc1.mins"))
		assert.Equal(t, []string{"decoder.fc1.weight"}, f.QuantizedNames())

		got, err := f.ReadQuantized("decoder.fc1.weight")
		require.NoError(t, err)
		assert.Equal(t, qt.Shape, got.Shape)
		assert.Equal(t, qt.Config, got.Config)
		assert.Equal(t, qt.Data, got.Data)
		assert.Equal(t, qt.Scales, got.Scales)
		assert.Equal(t, qt.Mins, got.Mins)
		require.NoError(t, f.Close())

		_, err = f.ReadQuantized("decoder.fc2.weight")
		assert.True(t, errors.Is(err, ErrTensorNotFound))
	}
}
