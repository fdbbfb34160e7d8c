package quant

import "github.com/pkg/errors"

var (
	ErrUnsupportedBits  = errors.New("quant: unsupported bit width")
	ErrInvalidGroupSize = errors.New("quant: invalid group size")
	ErrInvalidGroupDim  = errors.New("quant: invalid group dim")
	ErrShapeMismatch    = errors.New("quant: shape mismatch")
	ErrNonFinite        = errors.New("quant: non-finite value")
	ErrCorruptPayload   = errors.New("quant: corrupt payload")
	ErrConfigMismatch   = errors.New("quant: config mismatch")
)
