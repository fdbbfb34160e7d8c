package nn

import "strings"

// Extra is implemented by leaf modules that describe their configuration.
type Extra interface {
	Extra() string
}

// Describe renders the tree the way PyTorch prints a module:
//
//	OPTModel(
//	  (decoder): OPTDecoder(
//	    (embed_tokens): Embedding(50272, 768)
//	    ...
func Describe(root Module) string {
	var b strings.Builder
	describe(&b, root, 0)
	return b.String()
}

func describe(b *strings.Builder, m Module, depth int) {
	b.WriteString(m.Kind())
	b.WriteByte('(')
	if e, ok := m.(Extra); ok {
		b.WriteString(e.Extra())
	}
	p, ok := m.(Parent)
	if !ok {
		b.WriteByte(')')
		return
	}
	children := p.Children()
	if len(children) == 0 {
		b.WriteByte(')')
		return
	}
	b.WriteByte('\n')
	indent := strings.Repeat("  ", depth+1)
	for _, c := range children {
		b.WriteString(indent)
		b.WriteString("(" + c.Name + "): ")
		describe(b, c.Module, depth+1)
		b.WriteByte('\n')
	}
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteByte(')')
}
