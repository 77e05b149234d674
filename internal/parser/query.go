package parser

import (
	"strings"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Query evaluates an xpath-like filter against a stored tree.
//
// Grammar:
//
//	/class_definition/function_definition   child steps from the root
//	//function_definition                   descendants at any depth
//	//function_definition[name='foo']       name predicate
//	//class_definition/*                    wildcard step
//
// The name predicate matches the text of the declaration's identifier child.
func Query(root *Node, expr string) ([]*Node, error) {
	steps, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}

	current := []*Node{root}
	for _, step := range steps {
		var next []*Node
		seen := make(map[*Node]bool)
		add := func(n *Node) {
			if !seen[n] {
				seen[n] = true
				next = append(next, n)
			}
		}

		for _, n := range current {
			if step.deep {
				n.Walk(func(d *Node) bool {
					if d != n && step.matches(d) {
						add(d)
					}
					return true
				})
			} else {
				for _, child := range n.Children {
					if step.matches(child) {
						add(child)
					}
				}
			}
		}
		current = next
	}
	return current, nil
}

type step struct {
	typ      string // "*" for wildcard
	deep     bool   // descendant axis
	predName string // [name='...'] value, empty for none
}

func (s step) matches(n *Node) bool {
	if s.typ != "*" && n.Type != s.typ {
		return false
	}
	if s.predName != "" && NodeName(n) != s.predName {
		return false
	}
	return true
}

func parseExpr(expr string) ([]step, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || !strings.HasPrefix(expr, "/") {
		return nil, cerrors.Newf(cerrors.KindNotFound, "invalid filter %q: must start with /", expr)
	}

	var steps []step
	rest := expr
	for rest != "" {
		deep := false
		if strings.HasPrefix(rest, "//") {
			deep = true
			rest = rest[2:]
		} else if strings.HasPrefix(rest, "/") {
			rest = rest[1:]
		} else {
			return nil, cerrors.Newf(cerrors.KindNotFound, "invalid filter %q near %q", expr, rest)
		}

		end := strings.IndexByte(rest, '/')
		var token string
		if end < 0 {
			token, rest = rest, ""
		} else {
			token, rest = rest[:end], rest[end:]
		}
		if token == "" {
			return nil, cerrors.Newf(cerrors.KindNotFound, "invalid filter %q: empty step", expr)
		}

		st := step{typ: token, deep: deep}
		if i := strings.IndexByte(token, '['); i >= 0 {
			pred := token[i:]
			st.typ = token[:i]
			if !strings.HasPrefix(pred, "[name='") || !strings.HasSuffix(pred, "']") {
				return nil, cerrors.Newf(cerrors.KindNotFound, "invalid predicate %q", pred)
			}
			st.predName = pred[len("[name='") : len(pred)-len("']")]
		}
		steps = append(steps, st)
	}
	return steps, nil
}

// NodeName returns the declaration name of a node: the text of its first
// identifier-like child, or the node's own text for leaves.
func NodeName(n *Node) string {
	if len(n.Children) == 0 {
		return n.Text
	}
	for _, child := range n.Children {
		if len(child.Children) == 0 && child.Text != "" && isIdentifierType(child.Type) {
			return child.Text
		}
	}
	return ""
}

func isIdentifierType(t string) bool {
	return strings.Contains(t, "identifier") || t == "name" || t == "field_identifier" ||
		t == "type_identifier" || t == "property_identifier"
}

// Edit is one structural modification applied by modify_ast / modify_cst.
type Edit struct {
	// Op is "set_name" or "delete".
	Op string `json:"op"`
	// Value is the replacement text for set_name.
	Value string `json:"value,omitempty"`
}

// Apply applies edits to every node matched by expr. Returns the number of
// nodes changed. Matching zero nodes yields KindNotFound.
func Apply(root *Node, expr string, edits []Edit) (int, error) {
	matched, err := Query(root, expr)
	if err != nil {
		return 0, err
	}
	if len(matched) == 0 {
		return 0, cerrors.Newf(cerrors.KindNotFound, "filter %q matched no nodes", expr)
	}

	matchSet := make(map[*Node]bool, len(matched))
	for _, m := range matched {
		matchSet[m] = true
	}

	changed := 0
	for _, edit := range edits {
		switch edit.Op {
		case "set_name":
			for _, m := range matched {
				if renameNode(m, edit.Value) {
					changed++
				}
			}
		case "delete":
			root.Walk(func(n *Node) bool {
				kept := n.Children[:0]
				for _, child := range n.Children {
					if matchSet[child] {
						changed++
						continue
					}
					kept = append(kept, child)
				}
				n.Children = kept
				return true
			})
		default:
			return changed, cerrors.Newf(cerrors.KindConflict, "unknown edit op %q", edit.Op)
		}
	}
	return changed, nil
}

func renameNode(n *Node, value string) bool {
	if len(n.Children) == 0 {
		n.Text = value
		return true
	}
	for _, child := range n.Children {
		if len(child.Children) == 0 && isIdentifierType(child.Type) {
			child.Text = value
			return true
		}
	}
	return false
}
