// Package policy holds the per-architecture table of layer classes and the
// projection paths inside them that tensor-parallel injection rewrites.
package policy

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/samcharles93/groupq/internal/nn"
)

var (
	// ErrNoMapKey is returned when a model name carries neither a ...Model
	// nor a ...Stack class name.
	ErrNoMapKey = errors.New("policy: no Model or Stack class in name")
	// ErrUnknownArch is returned by Lookup for keys missing from the table.
	ErrUnknownArch = errors.New("policy: unknown architecture")
)

// Policy maps a layer class name to attribute paths relative to that layer.
// A path with a leading "." must match a whole path segment.
type Policy map[string][]string

func (p Policy) clone() Policy {
	out := make(Policy, len(p))
	for cls, paths := range p {
		out[cls] = slices.Clone(paths)
	}
	return out
}

// Classes returns the layer class names in sorted order.
func (p Policy) Classes() []string {
	return slices.Sorted(maps.Keys(p))
}

var (
	modelClass = regexp.MustCompile(`(?:^|[\s.:(])([A-Za-z0-9_]+?)Model`)
	stackClass = regexp.MustCompile(`(?:^|[\s.:(])([A-Za-z0-9_]+?)Stack`)
)

// MapKey derives the table key from a class path or module repr:
//
//	"transformers.models.opt.modeling_opt.OPTModel" -> "opt"
//	"(encoder): T5Stack("                          -> "t5"
//
// A ...Model class wins over a ...Stack class. The prefix is lower-cased and
// otherwise left alone, so GPTNeoXModel yields "gptneox", not "gpt_neox".
func MapKey(s string) (string, error) {
	for _, re := range []*regexp.Regexp{modelClass, stackClass} {
		if m := re.FindStringSubmatch(s); m != nil {
			return strings.ToLower(m[1]), nil
		}
	}
	return "", errors.Wrapf(ErrNoMapKey, "%.80q", s)
}

// Lookup returns a copy of the policy for key.
func Lookup(key string) (Policy, error) {
	p, ok := table[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownArch, "%q", key)
	}
	return p.clone(), nil
}

// LookupName is MapKey followed by Lookup.
func LookupName(name string) (string, Policy, error) {
	key, err := MapKey(name)
	if err != nil {
		return "", nil, err
	}
	p, err := Lookup(key)
	if err != nil {
		return key, nil, err
	}
	return key, p, nil
}

// Keys returns every architecture key in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(table))
}

// All returns a copy of the whole table.
func All() map[string]Policy {
	out := make(map[string]Policy, len(table))
	for k, p := range table {
		out[k] = p.clone()
	}
	return out
}

// matchPath reports whether rel, a dotted path relative to a layer, is named
// by pattern.
func matchPath(rel, pattern string) bool {
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix("."+rel, pattern)
	}
	return strings.HasSuffix(rel, pattern)
}

// Resolve walks root and returns, in walk order, the qualified names of the
// modules the policy for key selects: for every module whose Kind is one of
// the policy's layer classes, each descendant whose relative path ends with
// one of that class's paths.
func Resolve(root nn.Module, key string) ([]string, error) {
	p, ok := table[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownArch, "%q", key)
	}
	return resolve(root, p)
}

func resolve(root nn.Module, p Policy) ([]string, error) {
	var out []string
	err := nn.Walk(root, func(path string, m nn.Module) error {
		patterns, ok := p[m.Kind()]
		if !ok {
			return nil
		}
		err := nn.Walk(m, func(sub string, _ nn.Module) error {
			if sub == "" {
				return nil
			}
			for _, pat := range patterns {
				if matchPath(sub, pat) {
					out = append(out, nn.Join(path, sub))
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return nn.SkipChildren
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
