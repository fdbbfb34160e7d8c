// Package nn provides a small tree of neural-network modules.
//
// Modules are addressed by dotted qualified names ("decoder.layers.0.fc1")
// built from the child names each Parent reports. Rewriting the tree goes
// through Replace, a visitor with a predicate and a replacement callback.
package nn

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/samcharles93/groupq/internal/tensor"
)

var (
	ErrNotFound     = errors.New("nn: module not found")
	ErrIncompatible = errors.New("nn: incompatible module")
)

// SkipChildren may be returned from a Walk callback to skip the subtree.
var SkipChildren = errors.New("nn: skip children")

// Module is any node of the tree. Kind is the class name, e.g. "Linear".
type Module interface {
	Kind() string
}

// Layer transforms a [tokens, features] matrix.
type Layer interface {
	Module
	Forward(x tensor.Mat) (tensor.Mat, error)
}

// Embedder maps token ids to rows of a [tokens, dim] matrix.
type Embedder interface {
	Module
	Lookup(ids []int) (tensor.Mat, error)
}

// Child is a named edge of the tree.
type Child struct {
	Name   string
	Module Module
}

// Parent is a module with named children. SetChild replaces an existing
// child and fails with ErrIncompatible when the slot cannot hold m.
type Parent interface {
	Module
	Children() []Child
	SetChild(name string, m Module) error
}

// Join builds a qualified name.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Walk visits root and every descendant depth-first in child order. The root
// is reported with an empty path.
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(path string, m Module) error) error {
	if err := fn(path, m); err != nil {
		if errors.Is(err, SkipChildren) {
			return nil
		}
		return err
	}
	p, ok := m.(Parent)
	if !ok {
		return nil
	}
	for _, c := range p.Children() {
		if err := walk(Join(path, c.Name), c.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a qualified name below root.
func Get(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(path, ".") {
		p, ok := cur.(Parent)
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "%s: %s has no children", path, cur.Kind())
		}
		next := child(p, part)
		if next == nil {
			return nil, errors.Wrapf(ErrNotFound, "%s: no child %q", path, part)
		}
		cur = next
	}
	return cur, nil
}

func child(p Parent, name string) Module {
	for _, c := range p.Children() {
		if c.Name == name {
			return c.Module
		}
	}
	return nil
}

// Replace visits every module below root. For each module where match
// reports true, build is called; a non-nil result takes the module's place in
// its parent and the replaced subtree is not visited further. A nil result
// leaves the module in place and the walk continues into it. Replace returns
// the qualified names that were replaced, in visit order.
func Replace(root Module, match func(path string, m Module) bool, build func(path string, m Module) (Module, error)) ([]string, error) {
	var replaced []string
	var visit func(prefix string, p Parent) error
	visit = func(prefix string, p Parent) error {
		for _, c := range p.Children() {
			path := Join(prefix, c.Name)
			if match(path, c.Module) {
				nm, err := build(path, c.Module)
				if err != nil {
					return errors.Wrapf(err, "replace %s", path)
				}
				if nm != nil {
					if err := p.SetChild(c.Name, nm); err != nil {
						return errors.Wrapf(err, "replace %s", path)
					}
					replaced = append(replaced, path)
					continue
				}
			}
			if cp, ok := c.Module.(Parent); ok {
				if err := visit(path, cp); err != nil {
					return err
				}
			}
		}
		return nil
	}
	p, ok := root.(Parent)
	if !ok {
		return nil, nil
	}
	if err := visit("", p); err != nil {
		return replaced, err
	}
	return replaced, nil
}

// AssignLayer stores m in a Layer slot.
func AssignLayer(slot *Layer, name string, m Module) error {
	l, ok := m.(Layer)
	if !ok {
		return errors.Wrapf(ErrIncompatible, "%s needs a layer, got %s", name, m.Kind())
	}
	*slot = l
	return nil
}

// AssignEmbedder stores m in an Embedder slot.
func AssignEmbedder(slot *Embedder, name string, m Module) error {
	e, ok := m.(Embedder)
	if !ok {
		return errors.Wrapf(ErrIncompatible, "%s needs an embedder, got %s", name, m.Kind())
	}
	*slot = e
	return nil
}

// UnknownChild is returned by SetChild implementations for names they do not own.
func UnknownChild(kind, name string) error {
	return errors.Wrapf(ErrNotFound, "%s has no child %q", kind, name)
}
