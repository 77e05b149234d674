package parser

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Chunk source types stored in code_chunks.source_type.
const (
	SourceDocstring     = "docstring"
	SourceFileDocstring = "file_docstring"
	SourceComment       = "comment"
)

// Chunk is one vectorisable slice of source material.
type Chunk struct {
	SourceType string
	Text       string

	// EntityIndex references the owning entity in extraction order, or
	// -1 for file-level material.
	EntityIndex int
	StartLine   int
}

// minChunkText filters out chunks too short to embed meaningfully.
const minChunkText = 8

// extractChunks collects docstrings, the module docstring, and comments.
func extractChunks(root *sitter.Node, source []byte, cfg *LanguageConfig, entities []Entity) []Chunk {
	var out []Chunk

	// Module docstring: first statement of a python module.
	if cfg.Name == "python" && root.NamedChildCount() > 0 {
		first := root.NamedChild(0)
		if first != nil && first.Type() == "expression_statement" && first.NamedChildCount() > 0 {
			if str := first.NamedChild(0); str != nil && str.Type() == "string" {
				if text := trimStringQuotes(str.Content(source)); len(text) >= minChunkText {
					out = append(out, Chunk{
						SourceType:  SourceFileDocstring,
						Text:        text,
						EntityIndex: -1,
						StartLine:   int(first.StartPoint().Row) + 1,
					})
				}
			}
		}
	}

	// Entity docstrings.
	for i, ent := range entities {
		if len(ent.Docstring) >= minChunkText {
			out = append(out, Chunk{
				SourceType:  SourceDocstring,
				Text:        ent.Docstring,
				EntityIndex: i,
				StartLine:   ent.StartLine,
			})
		}
	}

	// Comment runs: adjacent comment lines merge into one chunk.
	var run []string
	runStart := 0
	lastLine := -2
	flush := func() {
		if len(run) == 0 {
			return
		}
		text := strings.Join(run, "\n")
		if len(text) >= minChunkText {
			out = append(out, Chunk{
				SourceType:  SourceComment,
				Text:        text,
				EntityIndex: -1,
				StartLine:   runStart,
			})
		}
		run = nil
	}

	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if isType(n.Type(), cfg.CommentTypes) {
			line := int(n.StartPoint().Row) + 1
			text := cleanComment(n.Content(source))
			if line != lastLine+1 {
				flush()
				runStart = line
			}
			run = append(run, text)
			lastLine = line
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(root)
	flush()

	return out
}

func cleanComment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(s, "//")
	if strings.HasPrefix(s, "/*") {
		s = strings.TrimPrefix(s, "/*")
		s = strings.TrimSuffix(s, "*/")
	}
	return strings.TrimSpace(s)
}
