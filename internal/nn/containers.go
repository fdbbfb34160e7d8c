package nn

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/samcharles93/groupq/internal/tensor"
)

// Sequential chains named layers in insertion order.
type Sequential struct {
	names  []string
	layers []Layer
}

// NewSequential builds a Sequential from named layers. Names must be unique.
func NewSequential(children ...Child) (*Sequential, error) {
	s := &Sequential{}
	for _, c := range children {
		if err := s.Append(c.Name, c.Module); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Append adds a layer at the end.
func (s *Sequential) Append(name string, m Module) error {
	for _, n := range s.names {
		if n == name {
			return errors.Errorf("sequential: duplicate child %q", name)
		}
	}
	var l Layer
	if err := AssignLayer(&l, name, m); err != nil {
		return err
	}
	s.names = append(s.names, name)
	s.layers = append(s.layers, l)
	return nil
}

func (s *Sequential) Kind() string { return "Sequential" }

func (s *Sequential) Children() []Child {
	out := make([]Child, len(s.layers))
	for i, l := range s.layers {
		out[i] = Child{Name: s.names[i], Module: l}
	}
	return out
}

func (s *Sequential) SetChild(name string, m Module) error {
	for i, n := range s.names {
		if n == name {
			return AssignLayer(&s.layers[i], name, m)
		}
	}
	return UnknownChild(s.Kind(), name)
}

func (s *Sequential) Forward(x tensor.Mat) (tensor.Mat, error) {
	var err error
	for i, l := range s.layers {
		x, err = l.Forward(x)
		if err != nil {
			return tensor.Mat{}, errors.Wrapf(err, "sequential %s", s.names[i])
		}
	}
	return x, nil
}

// List holds modules indexed "0", "1", ...
type List struct {
	items []Module
}

// NewList returns a List over items.
func NewList(items ...Module) *List {
	return &List{items: items}
}

func (l *List) Kind() string { return "ModuleList" }

// Len returns the number of items.
func (l *List) Len() int { return len(l.items) }

// At returns the i-th item.
func (l *List) At(i int) Module { return l.items[i] }

// Append adds m at the end.
func (l *List) Append(m Module) { l.items = append(l.items, m) }

func (l *List) Children() []Child {
	out := make([]Child, len(l.items))
	for i, m := range l.items {
		out[i] = Child{Name: strconv.Itoa(i), Module: m}
	}
	return out
}

func (l *List) SetChild(name string, m Module) error {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= len(l.items) {
		return UnknownChild(l.Kind(), name)
	}
	l.items[i] = m
	return nil
}
