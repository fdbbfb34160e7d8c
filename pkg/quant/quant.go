// Package quant implements group-wise affine integer quantization of weight
// tensors.
//
// A tensor is split into groups of GroupSize contiguous positions along
// GroupDim (one group per index of every other axis). Each group gets its own
// scale and, for asymmetric configs, its own minimum. Codes are bit-packed so
// a 4-bit tensor takes half the bytes of an 8-bit one.
package quant

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Config describes how a single weight tensor is quantized.
// It is a plain value and is never mutated after validation.
type Config struct {
	NumBits   int  `yaml:"num_bits" json:"num_bits"`
	GroupSize int  `yaml:"group_size" json:"group_size"`
	GroupDim  int  `yaml:"group_dim" json:"group_dim"`
	Symmetric bool `yaml:"symmetric" json:"symmetric"`
}

// Validate rejects bit widths other than 4 and 8 and non-positive group sizes.
func (c Config) Validate() error {
	switch c.NumBits {
	case 4, 8:
	default:
		return errors.Wrapf(ErrUnsupportedBits, "num_bits=%d", c.NumBits)
	}
	if c.GroupSize <= 0 {
		return errors.Wrapf(ErrInvalidGroupSize, "group_size=%d", c.GroupSize)
	}
	return nil
}

// CheckShape reports whether a tensor of the given shape can be quantized
// with c.
func (c Config) CheckShape(shape []int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := newGroupLayout(shape, c)
	return err
}

// CodeRange returns the inclusive range of integer codes for the config.
func (c Config) CodeRange() (lo, hi int32) {
	if c.Symmetric {
		return -(1 << (c.NumBits - 1)), 1<<(c.NumBits-1) - 1
	}
	return 0, 1<<c.NumBits - 1
}

func (c Config) String() string {
	mode := "asym"
	if c.Symmetric {
		mode = "sym"
	}
	return fmt.Sprintf("int%d/g%d/dim%d/%s", c.NumBits, c.GroupSize, c.GroupDim, mode)
}

// axis resolves GroupDim against a tensor rank. Negative values count from the end.
func (c Config) axis(rank int) (int, error) {
	d := c.GroupDim
	if d < 0 {
		d += rank
	}
	if d < 0 || d >= rank {
		return 0, errors.Wrapf(ErrInvalidGroupDim, "group_dim=%d for rank %d", c.GroupDim, rank)
	}
	return d, nil
}

// Tensor is a quantized tensor: packed codes plus per-group statistics.
//
// Scales and Mins are laid out row-major over shape[:dim] + [numGroups] +
// shape[dim+1:]. Mins is nil for symmetric configs.
type Tensor struct {
	Shape  []int
	Config Config
	Data   []byte
	Scales []float32
	Mins   []float32
}

// Len returns the number of logical elements.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// NumGroups returns the number of quantization groups.
func (t *Tensor) NumGroups() int { return len(t.Scales) }

// PayloadBytes is the storage footprint of codes and statistics.
func (t *Tensor) PayloadBytes() int {
	return len(t.Data) + 4*len(t.Scales) + 4*len(t.Mins)
}

// Codes returns the unpacked integer codes. Symmetric codes are sign-extended.
func (t *Tensor) Codes() ([]int32, error) {
	if _, err := t.layout(); err != nil {
		return nil, err
	}
	raw, err := Unpack(t.Data, t.Config.NumBits, t.Len())
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(raw))
	for i, c := range raw {
		out[i] = decodeCode(c, t.Config)
	}
	return out, nil
}

// StatsShape returns the shape of Scales and Mins:
// shape[:dim] + [numGroups] + shape[dim+1:].
func (t *Tensor) StatsShape() ([]int, error) {
	axis, err := t.Config.axis(len(t.Shape))
	if err != nil {
		return nil, err
	}
	if t.Config.GroupSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidGroupSize, "group_size=%d", t.Config.GroupSize)
	}
	out := slices.Clone(t.Shape)
	out[axis] /= t.Config.GroupSize
	return out, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		Config: t.Config,
		Data:   slices.Clone(t.Data),
		Scales: slices.Clone(t.Scales),
		Mins:   slices.Clone(t.Mins),
	}
}

// layout validates the tensor's internal consistency and returns its group layout.
func (t *Tensor) layout() (groupLayout, error) {
	if t == nil {
		return groupLayout{}, errors.Wrap(ErrCorruptPayload, "nil tensor")
	}
	if err := t.Config.Validate(); err != nil {
		return groupLayout{}, err
	}
	l, err := newGroupLayout(t.Shape, t.Config)
	if err != nil {
		return groupLayout{}, err
	}
	if len(t.Data) != PackedLen(l.size(), t.Config.NumBits) {
		return groupLayout{}, errors.Wrapf(ErrCorruptPayload, "data has %d bytes, want %d", len(t.Data), PackedLen(l.size(), t.Config.NumBits))
	}
	if len(t.Scales) != l.groups() {
		return groupLayout{}, errors.Wrapf(ErrCorruptPayload, "%d scales for %d groups", len(t.Scales), l.groups())
	}
	if t.Config.Symmetric && t.Mins != nil {
		return groupLayout{}, errors.Wrap(ErrCorruptPayload, "symmetric tensor carries mins")
	}
	if !t.Config.Symmetric && len(t.Mins) != l.groups() {
		return groupLayout{}, errors.Wrapf(ErrCorruptPayload, "%d mins for %d groups", len(t.Mins), l.groups())
	}
	return l, nil
}

// groupLayout views a tensor as [outer, dim, inner] with dim split into
// numGroups runs of groupSize.
type groupLayout struct {
	outer, dim, inner int
	groupSize         int
	numGroups         int
}

func newGroupLayout(shape []int, cfg Config) (groupLayout, error) {
	if len(shape) == 0 {
		return groupLayout{}, errors.Wrap(ErrShapeMismatch, "empty shape")
	}
	axis, err := cfg.axis(len(shape))
	if err != nil {
		return groupLayout{}, err
	}
	for _, d := range shape {
		if d <= 0 {
			return groupLayout{}, errors.Wrapf(ErrShapeMismatch, "invalid dimension in shape %v", shape)
		}
	}
	dim := shape[axis]
	if dim%cfg.GroupSize != 0 {
		return groupLayout{}, errors.Wrapf(ErrShapeMismatch,
			"dimension %d of shape %v (size %d) is not divisible by group_size %d", axis, shape, dim, cfg.GroupSize)
	}
	l := groupLayout{outer: 1, dim: dim, inner: 1, groupSize: cfg.GroupSize, numGroups: dim / cfg.GroupSize}
	for _, d := range shape[:axis] {
		l.outer *= d
	}
	for _, d := range shape[axis+1:] {
		l.inner *= d
	}
	return l, nil
}

func (l groupLayout) size() int   { return l.outer * l.dim * l.inner }
func (l groupLayout) groups() int { return l.outer * l.numGroups * l.inner }

// groupOf maps a row-major element index to its group index.
func (l groupLayout) groupOf(i int) int {
	in := i % l.inner
	rest := i / l.inner
	j := rest % l.dim
	o := rest / l.dim
	return (o*l.numGroups+j/l.groupSize)*l.inner + in
}
