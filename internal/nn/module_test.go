package nn

import (
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/samcharles93/groupq/internal/tensor"
)

func testTree(t *testing.T) *Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	inner, err := NewSequential(
		Child{Name: "fc1", Module: NewLinear(4, 8, true, rng)},
		Child{Name: "act", Module: ReLU{}},
		Child{Name: "fc2", Module: NewLinear(8, 4, false, rng)},
	)
	if err != nil {
		t.Fatalf("NewSequential: %v", err)
	}
	root, err := NewSequential(
		Child{Name: "block", Module: inner},
		Child{Name: "norm", Module: NewLayerNorm(4, 1e-5, true)},
	)
	if err != nil {
		t.Fatalf("NewSequential: %v", err)
	}
	return root
}

func TestWalkOrder(t *testing.T) {
	root := testTree(t)
	var paths []string
	err := Walk(root, func(path string, m Module) error {
		paths = append(paths, path+":"+m.Kind())
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{
		":Sequential",
		"block:Sequential",
		"block.fc1:Linear",
		"block.act:ReLU",
		"block.fc2:Linear",
		"norm:LayerNorm",
	}
	if !slices.Equal(paths, want) {
		t.Fatalf("walk order:\n got %v\nwant %v", paths, want)
	}
}

func TestWalkSkipChildren(t *testing.T) {
	root := testTree(t)
	n := 0
	_ = Walk(root, func(path string, m Module) error {
		n++
		if path == "block" {
			return SkipChildren
		}
		return nil
	})
	if n != 3 {
		t.Fatalf("visited %d modules, want 3", n)
	}
}

func TestGet(t *testing.T) {
	root := testTree(t)
	m, err := Get(root, "block.fc2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l, ok := m.(*Linear); !ok || l.OutFeatures != 4 {
		t.Fatalf("unexpected module %#v", m)
	}
	if _, err := Get(root, "block.fc3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := Get(root, "block.fc1.weight"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for leaf descent, got %v", err)
	}
}

type scaled struct {
	inner Layer
}

func (s *scaled) Kind() string { return "Scaled" }

func (s *scaled) Forward(x tensor.Mat) (tensor.Mat, error) {
	out, err := s.inner.Forward(x)
	if err != nil {
		return tensor.Mat{}, err
	}
	for i := range out.Data {
		out.Data[i] *= 2
	}
	return out, nil
}

func TestReplace(t *testing.T) {
	root := testTree(t)
	block, _ := Get(root, "block")
	x := tensor.NewMat(3, 4)
	tensor.FillRandn(&x, rand.New(rand.NewSource(2)))
	before, err := block.(Layer).Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	replaced, err := Replace(root,
		func(path string, m Module) bool { return strings.HasSuffix(path, "fc1") },
		func(path string, m Module) (Module, error) { return &scaled{inner: m.(Layer)}, nil },
	)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !slices.Equal(replaced, []string{"block.fc1"}) {
		t.Fatalf("replaced %v", replaced)
	}
	m, _ := Get(root, "block.fc1")
	if m.Kind() != "Scaled" {
		t.Fatalf("block.fc1 is %s", m.Kind())
	}
	after, err := block.(Layer).Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// fc2 has no bias, so doubling fc1 doubles the block output.
	for i := range before.Data {
		if after.Data[i] != 2*before.Data[i] {
			t.Fatalf("out[%d] = %v, want %v", i, after.Data[i], 2*before.Data[i])
		}
	}
}

func TestReplaceNilKeepsDescending(t *testing.T) {
	root := testTree(t)
	var seen []string
	_, err := Replace(root,
		func(path string, m Module) bool { seen = append(seen, path); return true },
		func(path string, m Module) (Module, error) { return nil, nil },
	)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(seen) != 5 {
		t.Fatalf("visited %v", seen)
	}
}

func TestReplaceIncompatible(t *testing.T) {
	root := testTree(t)
	_, err := Replace(root,
		func(path string, m Module) bool { return path == "block.fc2" },
		func(path string, m Module) (Module, error) {
			return NewEmbedding(2, 2, rand.New(rand.NewSource(1))), nil
		},
	)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
}

func TestListChildren(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	l := NewList(NewLinear(2, 2, true, rng), NewLinear(2, 2, true, rng))
	if err := l.SetChild("1", ReLU{}); err != nil {
		t.Fatalf("SetChild: %v", err)
	}
	if l.At(1).Kind() != "ReLU" {
		t.Fatalf("item 1 is %s", l.At(1).Kind())
	}
	if err := l.SetChild("7", ReLU{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	got := Describe(testTree(t))
	want := strings.Join([]string{
		"Sequential(",
		"  (block): Sequential(",
		"    (fc1): Linear(in_features=4, out_features=8, bias=True)",
		"    (act): ReLU()",
		"    (fc2): Linear(in_features=8, out_features=4, bias=False)",
		"  )",
		"  (norm): LayerNorm((4,), eps=1e-05, elementwise_affine=True)",
		")",
	}, "\n")
	if got != want {
		t.Fatalf("describe:\n%s\nwant:\n%s", got, want)
	}
}

type mapSource map[string]Param

func (m mapSource) Has(name string) bool { _, ok := m[name]; return ok }

func (m mapSource) ReadTensorF32(name string) ([]float32, []int, error) {
	p := m[name]
	return p.Data, p.Shape, nil
}

func TestLoadState(t *testing.T) {
	src := testTree(t)
	dst := testTree(t)
	for _, p := range mustStateDict(t, src) {
		for i := range p.Data {
			p.Data[i] = float32(i)
		}
	}
	prefixed := mapSource{}
	for name, p := range mustStateDict(t, src) {
		prefixed["model."+name] = p
	}

	n, err := LoadState(dst, prefixed, "model")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if n != 5 {
		t.Fatalf("loaded %d tensors, want 5", n)
	}
	fc2, _ := Get(dst, "block.fc2")
	if got := fc2.(*Linear).Weight.Data[5]; got != 5 {
		t.Fatalf("fc2 weight[5] = %v", got)
	}

	delete(prefixed, "model.norm.bias")
	if _, err := LoadState(dst, prefixed, "model"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func mustStateDict(t *testing.T, m Module) map[string]Param {
	t.Helper()
	sd, err := StateDict(m)
	if err != nil {
		t.Fatalf("StateDict: %v", err)
	}
	return sd
}

func TestNumParams(t *testing.T) {
	// fc1: 4*8+8, fc2: 8*4, norm: 4+4.
	if got := NumParams(testTree(t)); got != 40+32+8 {
		t.Fatalf("NumParams = %d", got)
	}
}
