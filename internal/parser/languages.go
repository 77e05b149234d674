package parser

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// LanguageConfig maps one language's tree-sitter node types onto the entity
// model (class, function, method, import).
type LanguageConfig struct {
	Name       string
	Extensions []string

	ClassTypes    []string
	FunctionTypes []string
	ImportTypes   []string
	CommentTypes  []string

	// NameField is the tree-sitter field holding a declaration's name.
	NameField string

	language *sitter.Language
}

// LanguageRegistry resolves file extensions to language configs.
type LanguageRegistry struct {
	byName map[string]*LanguageConfig
	byExt  map[string]*LanguageConfig
}

// DefaultRegistry returns the registry with all supported languages.
func DefaultRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		byName: make(map[string]*LanguageConfig),
		byExt:  make(map[string]*LanguageConfig),
	}

	r.register(&LanguageConfig{
		Name:          "python",
		Extensions:    []string{".py", ".pyi"},
		ClassTypes:    []string{"class_definition"},
		FunctionTypes: []string{"function_definition"},
		ImportTypes:   []string{"import_statement", "import_from_statement"},
		CommentTypes:  []string{"comment"},
		NameField:     "name",
		language:      python.GetLanguage(),
	})
	r.register(&LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		ClassTypes:    []string{"type_declaration"},
		FunctionTypes: []string{"function_declaration", "method_declaration"},
		ImportTypes:   []string{"import_declaration"},
		CommentTypes:  []string{"comment"},
		NameField:     "name",
		language:      golang.GetLanguage(),
	})
	r.register(&LanguageConfig{
		Name:          "javascript",
		Extensions:    []string{".js", ".mjs", ".cjs"},
		ClassTypes:    []string{"class_declaration"},
		FunctionTypes: []string{"function_declaration", "method_definition", "generator_function_declaration"},
		ImportTypes:   []string{"import_statement"},
		CommentTypes:  []string{"comment"},
		NameField:     "name",
		language:      javascript.GetLanguage(),
	})

	return r
}

func (r *LanguageRegistry) register(cfg *LanguageConfig) {
	r.byName[cfg.Name] = cfg
	for _, ext := range cfg.Extensions {
		r.byExt[ext] = cfg
	}
}

// ByPath resolves the language config for a file path, or nil when the
// extension is not a recognised source extension.
func (r *LanguageRegistry) ByPath(path string) *LanguageConfig {
	return r.byExt[strings.ToLower(filepath.Ext(path))]
}

// ByName resolves a language config by name.
func (r *LanguageRegistry) ByName(name string) *LanguageConfig {
	return r.byName[name]
}

// isType reports whether t appears in types.
func isType(t string, types []string) bool {
	for _, candidate := range types {
		if t == candidate {
			return true
		}
	}
	return false
}
