package quant

import "github.com/pkg/errors"

// PackedLen returns the number of bytes needed to hold n codes of the given width.
func PackedLen(n, bits int) int {
	per := 8 / bits
	return (n + per - 1) / per
}

// Pack stores codes of the given bit width densely, most-significant first:
// for 4-bit codes element 2i lands in the high nibble of byte i and element
// 2i+1 in the low nibble. A trailing partial byte is zero padded.
func Pack(codes []uint8, bits int) ([]byte, error) {
	if err := checkPackBits(bits); err != nil {
		return nil, err
	}
	if bits == 8 {
		out := make([]byte, len(codes))
		copy(out, codes)
		return out, nil
	}
	per := 8 / bits
	limit := uint8(1<<bits - 1)
	out := make([]byte, PackedLen(len(codes), bits))
	for i, c := range codes {
		if c > limit {
			return nil, errors.Errorf("quant: code %d at %d does not fit in %d bits", c, i, bits)
		}
		shift := uint(8 - bits*(i%per+1))
		out[i/per] |= c << shift
	}
	return out, nil
}

// Unpack reverses Pack, returning n codes.
func Unpack(data []byte, bits, n int) ([]uint8, error) {
	if err := checkPackBits(bits); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.Errorf("quant: negative code count %d", n)
	}
	if len(data) != PackedLen(n, bits) {
		return nil, errors.Wrapf(ErrCorruptPayload, "%d bytes cannot hold exactly %d %d-bit codes", len(data), n, bits)
	}
	out := make([]uint8, n)
	if bits == 8 {
		copy(out, data)
		return out, nil
	}
	per := 8 / bits
	mask := uint8(1<<bits - 1)
	for i := range out {
		shift := uint(8 - bits*(i%per+1))
		out[i] = (data[i/per] >> shift) & mask
	}
	return out, nil
}

func checkPackBits(bits int) error {
	switch bits {
	case 1, 2, 4, 8:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedBits, "cannot pack %d-bit codes", bits)
	}
}

// encodeCode truncates a code to its stored bit pattern (two's complement for
// symmetric configs).
func encodeCode(c int32, cfg Config) uint8 {
	return uint8(c) & uint8(1<<cfg.NumBits-1)
}

func decodeCode(c uint8, cfg Config) int32 {
	if !cfg.Symmetric {
		return int32(c)
	}
	shift := uint(8 - cfg.NumBits)
	return int32(int8(c<<shift) >> shift)
}

// codeAt extracts the i-th packed code without unpacking the whole payload.
func codeAt(data []byte, bits, i int) uint8 {
	if bits == 8 {
		return data[i]
	}
	per := 8 / bits
	shift := uint(8 - bits*(i%per+1))
	return (data[i/per] >> shift) & uint8(1<<bits-1)
}
