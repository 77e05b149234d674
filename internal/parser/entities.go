package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Entity kinds stored in the entities table.
const (
	KindClass    = "class"
	KindFunction = "function"
	KindMethod   = "method"
	KindImport   = "import"
)

// Entity is one discovered declaration.
type Entity struct {
	Kind      string
	Name      string
	Qualname  string
	StartLine int
	EndLine   int
	Docstring string

	// ParentIndex is the index of the enclosing class entity in the
	// extraction order, or -1. The driver maps it to parent_entity_id
	// after inserting rows.
	ParentIndex int
}

// extractEntities walks the tree collecting classes, functions, methods and
// imports in source order.
func extractEntities(root *sitter.Node, source []byte, cfg *LanguageConfig) []Entity {
	var out []Entity
	var scope []string // enclosing declaration names
	var classIdx []int // entity index of enclosing classes, -1 sentinel

	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}

		t := n.Type()
		switch {
		case isType(t, cfg.ClassTypes):
			name := nodeName(n, source, cfg)
			ent := Entity{
				Kind:        KindClass,
				Name:        name,
				Qualname:    qualname(scope, name),
				StartLine:   int(n.StartPoint().Row) + 1,
				EndLine:     int(n.EndPoint().Row) + 1,
				Docstring:   docstring(n, source, cfg),
				ParentIndex: enclosingClass(classIdx),
			}
			out = append(out, ent)

			scope = append(scope, name)
			classIdx = append(classIdx, len(out)-1)
			visitChildren(n, visit)
			scope = scope[:len(scope)-1]
			classIdx = classIdx[:len(classIdx)-1]
			return

		case isType(t, cfg.FunctionTypes):
			name := nodeName(n, source, cfg)
			kind := KindFunction
			parent := enclosingClass(classIdx)
			if parent >= 0 {
				kind = KindMethod
			}
			out = append(out, Entity{
				Kind:        kind,
				Name:        name,
				Qualname:    qualname(scope, name),
				StartLine:   int(n.StartPoint().Row) + 1,
				EndLine:     int(n.EndPoint().Row) + 1,
				Docstring:   docstring(n, source, cfg),
				ParentIndex: parent,
			})

			scope = append(scope, name)
			classIdx = append(classIdx, -2) // functions shield methods below
			visitChildren(n, visit)
			scope = scope[:len(scope)-1]
			classIdx = classIdx[:len(classIdx)-1]
			return

		case isType(t, cfg.ImportTypes):
			text := strings.TrimSpace(n.Content(source))
			out = append(out, Entity{
				Kind:        KindImport,
				Name:        text,
				Qualname:    text,
				StartLine:   int(n.StartPoint().Row) + 1,
				EndLine:     int(n.EndPoint().Row) + 1,
				ParentIndex: -1,
			})
			return
		}

		visitChildren(n, visit)
	}

	visit(root)
	return out
}

func visitChildren(n *sitter.Node, visit func(*sitter.Node)) {
	for i := 0; i < int(n.ChildCount()); i++ {
		visit(n.Child(i))
	}
}

// enclosingClass returns the nearest enclosing class entity index, unless a
// function sits in between (nested functions are functions, not methods).
func enclosingClass(classIdx []int) int {
	if len(classIdx) == 0 {
		return -1
	}
	top := classIdx[len(classIdx)-1]
	if top < 0 {
		return -1
	}
	return top
}

func qualname(scope []string, name string) string {
	if len(scope) == 0 {
		return name
	}
	return strings.Join(scope, ".") + "." + name
}

// nodeName reads the declaration's name field.
func nodeName(n *sitter.Node, source []byte, cfg *LanguageConfig) string {
	if named := n.ChildByFieldName(cfg.NameField); named != nil {
		return named.Content(source)
	}
	return ""
}

// docstring extracts a python-style docstring: the first statement of the
// body when it is a bare string expression. Other languages have no
// docstring convention here and return empty.
func docstring(n *sitter.Node, source []byte, cfg *LanguageConfig) string {
	if cfg.Name != "python" {
		return ""
	}
	body := n.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first == nil || first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str == nil || str.Type() != "string" {
		return ""
	}
	return trimStringQuotes(str.Content(source))
}

// trimStringQuotes strips python quote syntax from a string literal.
func trimStringQuotes(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"r", "b", "u", "f", "R", "B", "U", "F"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return strings.TrimSpace(s)
}
