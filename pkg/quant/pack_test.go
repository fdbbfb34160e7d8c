package quant

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackMostSignificantFirst(t *testing.T) {
	got, err := Pack([]uint8{0xA, 0x3, 0xF}, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA3, 0xF0}, got)

	got, err = Pack([]uint8{1, 2, 3, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0b01101100}, got)
}

func TestPackUnpackIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, bits := range []int{1, 2, 4, 8} {
		for _, n := range []int{0, 1, 7, 64, 1001} {
			codes := make([]uint8, n)
			for i := range codes {
				codes[i] = uint8(rng.Intn(1 << bits))
			}
			packed, err := Pack(codes, bits)
			require.NoError(t, err)
			require.Len(t, packed, PackedLen(n, bits))

			back, err := Unpack(packed, bits, n)
			require.NoError(t, err)
			require.Equal(t, codes, back, "bits=%d n=%d", bits, n)
		}
	}
}

func TestPackRejectsOversizedCode(t *testing.T) {
	_, err := Pack([]uint8{16}, 4)
	require.Error(t, err)

	_, err = Pack([]uint8{1}, 3)
	assert.True(t, errors.Is(err, ErrUnsupportedBits))
}

func TestUnpackLengthMismatch(t *testing.T) {
	_, err := Unpack([]byte{0x12}, 4, 3)
	assert.True(t, errors.Is(err, ErrCorruptPayload))
}

func TestSignedCodesRoundTrip(t *testing.T) {
	cfg := Config{NumBits: 4, GroupSize: 1, Symmetric: true}
	for c := int32(-8); c <= 7; c++ {
		assert.Equal(t, c, decodeCode(encodeCode(c, cfg), cfg))
	}
	cfg.NumBits = 8
	for c := int32(-128); c <= 127; c++ {
		assert.Equal(t, c, decodeCode(encodeCode(c, cfg), cfg))
	}
}

func TestDTypeEncoding(t *testing.T) {
	values := []float32{0, 1, -2.5, 65504, 1e-3}
	for _, d := range []DType{F32, F16, BF16} {
		raw := EncodeDType(values, d)
		require.Len(t, raw, len(values)*d.Size())
		back, err := DecodeDType(raw, d)
		require.NoError(t, err)
		for i, v := range values {
			assert.Equal(t, d.Round(v), back[i], "%s value %v", d, v)
		}
	}

	d, err := ParseDType("half")
	require.NoError(t, err)
	assert.Equal(t, F16, d)
	_, err = ParseDType("int4")
	assert.Error(t, err)
}
