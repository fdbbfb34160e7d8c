package nn

import (
	"slices"

	"github.com/pkg/errors"
)

// Param is a named float parameter. Data aliases the module's storage.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// Parametrized modules expose their float parameters.
type Parametrized interface {
	Params() []Param
}

// StateSource supplies named tensors, e.g. a safetensors file.
type StateSource interface {
	ReadTensorF32(name string) ([]float32, []int, error)
	Has(name string) bool
}

// StateDict returns every parameter below root keyed by qualified name.
func StateDict(root Module) (map[string]Param, error) {
	out := make(map[string]Param)
	err := Walk(root, func(path string, m Module) error {
		p, ok := m.(Parametrized)
		if !ok {
			return nil
		}
		for _, prm := range p.Params() {
			name := Join(path, prm.Name)
			if _, dup := out[name]; dup {
				return errors.Errorf("state dict: duplicate parameter %s", name)
			}
			prm.Name = name
			out[name] = prm
		}
		return nil
	})
	return out, err
}

// NumParams counts float parameters below root.
func NumParams(root Module) int {
	n := 0
	_ = Walk(root, func(_ string, m Module) error {
		if p, ok := m.(Parametrized); ok {
			for _, prm := range p.Params() {
				n += len(prm.Data)
			}
		}
		return nil
	})
	return n
}

// LoadState copies tensors from src into every parameter below root. Source
// names are the qualified parameter names with prefix prepended. Every
// parameter must be present with a matching shape. It returns the number of
// tensors loaded.
func LoadState(root Module, src StateSource, prefix string) (int, error) {
	params, err := StateDict(root)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	loaded := 0
	for _, name := range names {
		prm := params[name]
		srcName := Join(prefix, name)
		if !src.Has(srcName) {
			return loaded, errors.Wrapf(ErrNotFound, "tensor %s", srcName)
		}
		data, shape, err := src.ReadTensorF32(srcName)
		if err != nil {
			return loaded, errors.Wrapf(err, "read %s", srcName)
		}
		if !slices.Equal(shape, prm.Shape) {
			return loaded, errors.Errorf("tensor %s: shape %v, parameter wants %v", srcName, shape, prm.Shape)
		}
		copy(prm.Data, data)
		loaded++
	}
	return loaded, nil
}
