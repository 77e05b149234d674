// Package parser turns source files into the structural representations the
// driver stores: a concrete syntax tree, a named-node AST projection,
// entities (classes, functions, methods, imports), and vectorisable chunks.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	sitter "github.com/smacker/go-tree-sitter"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Node is one node of a serialised tree. The same shape is stored for both
// CST (all nodes) and AST (named nodes only).
type Node struct {
	Type      string  `json:"type"`
	Named     bool    `json:"named,omitempty"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Text      string  `json:"text,omitempty"`
	Children  []*Node `json:"children,omitempty"`
}

// maxLeafText bounds the source text captured on leaf nodes so serialised
// trees stay proportional to the source, not quadratic in it.
const maxLeafText = 256

// Result is everything index_file derives from one source file.
type Result struct {
	Language string
	CST      *Node
	AST      *Node
	Entities []Entity
	Chunks   []Chunk
	Content  string // full-text search material
}

// Parser parses source files. Not safe for concurrent use; the driver owns
// one and serialises through its executor anyway.
type Parser struct {
	parser   *sitter.Parser
	registry *LanguageRegistry
}

// New creates a parser with the default language registry.
func New() *Parser {
	return &Parser{
		parser:   sitter.NewParser(),
		registry: DefaultRegistry(),
	}
}

// Supported reports whether the path has a recognised source extension.
func (p *Parser) Supported(path string) bool {
	return p.registry.ByPath(path) != nil
}

// Parse parses source and derives all stored representations. Unparseable
// input yields KindParse.
func (p *Parser) Parse(ctx context.Context, path string, source []byte) (*Result, error) {
	cfg := p.registry.ByPath(path)
	if cfg == nil {
		return nil, cerrors.Newf(cerrors.KindParse, "unsupported source extension: %s", path)
	}

	p.parser.SetLanguage(cfg.language)
	tree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.KindParse, err, "parse %s", path)
	}
	if tree == nil {
		return nil, cerrors.Newf(cerrors.KindParse, "parse %s: nil tree", path)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, cerrors.Newf(cerrors.KindParse, "parse %s: syntax errors", path)
	}

	cst := convertNode(root, source, false)
	ast := convertNode(root, source, true)
	entities := extractEntities(root, source, cfg)

	return &Result{
		Language: cfg.Name,
		CST:      cst,
		AST:      ast,
		Entities: entities,
		Chunks:   extractChunks(root, source, cfg, entities),
		Content:  string(source),
	}, nil
}

// Close releases parser resources.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

// convertNode converts a tree-sitter node. With namedOnly the anonymous
// punctuation/keyword nodes are skipped, producing the AST projection.
func convertNode(tsNode *sitter.Node, source []byte, namedOnly bool) *Node {
	if tsNode == nil {
		return nil
	}

	node := &Node{
		Type:      tsNode.Type(),
		Named:     tsNode.IsNamed(),
		StartLine: int(tsNode.StartPoint().Row) + 1,
		EndLine:   int(tsNode.EndPoint().Row) + 1,
	}

	count := int(tsNode.ChildCount())
	if count == 0 {
		if text := tsNode.Content(source); len(text) <= maxLeafText {
			node.Text = text
		}
		return node
	}

	for i := 0; i < count; i++ {
		child := tsNode.Child(i)
		if child == nil {
			continue
		}
		if namedOnly && !child.IsNamed() {
			continue
		}
		node.Children = append(node.Children, convertNode(child, source, namedOnly))
	}
	return node
}

// Marshal serialises a tree and returns (content, hash).
func Marshal(root *Node) (string, string, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return "", "", cerrors.Wrap(cerrors.KindInternal, err)
	}
	sum := sha256.Sum256(data)
	return string(data), hex.EncodeToString(sum[:]), nil
}

// Unmarshal decodes a serialised tree.
func Unmarshal(content string) (*Node, error) {
	var root Node
	if err := json.Unmarshal([]byte(content), &root); err != nil {
		return nil, cerrors.Wrap(cerrors.KindInternal, err)
	}
	return &root, nil
}

// Walk visits the tree depth-first, pre-order. Return false to prune.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
