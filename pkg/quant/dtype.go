package quant

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the floating point encoding reconstructed values are cast to.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

// ParseDType accepts the usual spellings ("f16", "float16", "half", "bf16", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32", "float":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, errors.Errorf("quant: unknown dtype %q", s)
	}
}

// String returns the safetensors spelling of the dtype.
func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return "UNKNOWN"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

func (d DType) valid() bool { return d <= BF16 }

// Round returns v as it would read back after a cast to d.
func (d DType) Round(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bf16ToF32(bf16FromF32(v))
	default:
		return v
	}
}

// EncodeDType renders values as little-endian d.
func EncodeDType(values []float32, d DType) []byte {
	out := make([]byte, len(values)*d.Size())
	for i, v := range values {
		switch d {
		case F16:
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		case BF16:
			binary.LittleEndian.PutUint16(out[i*2:], bf16FromF32(v))
		default:
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	}
	return out
}

// DecodeDType reads little-endian d values into float32.
func DecodeDType(raw []byte, d DType) ([]float32, error) {
	if !d.valid() {
		return nil, errors.Errorf("quant: unsupported dtype %d", d)
	}
	size := d.Size()
	if len(raw)%size != 0 {
		return nil, errors.Errorf("quant: %d bytes is not a whole number of %s values", len(raw), d)
	}
	out := make([]float32, len(raw)/size)
	for i := range out {
		switch d {
		case F16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		case BF16:
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		default:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return out, nil
}

// bf16FromF32 rounds to nearest even on the truncated 16 bits.
func bf16FromF32(v float32) uint16 {
	u := math.Float32bits(v)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40 // keep NaN a NaN
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
