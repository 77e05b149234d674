// Package catalog declares the database schema and keeps live databases in
// sync with it. Migration is additive-first: new tables and columns are
// created in place; a column type change is applied by rename-and-copy
// inside a single transaction.
package catalog

import (
	"fmt"
	"strings"
)

// Column declares one table column.
type Column struct {
	Name    string
	Type    string // SQLite affinity type: TEXT, INTEGER, REAL, BLOB
	NotNull bool
	Default string // literal SQL default, empty for none
	PK      bool
}

// ForeignKey declares a referential constraint.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
	OnDelete  string // e.g. "CASCADE"
}

// Index declares a secondary index.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table declares one table.
type Table struct {
	Name        string
	Columns     []Column
	ForeignKeys []ForeignKey
	Indexes     []Index

	// Virtual holds the full CREATE statement for virtual tables (FTS5).
	// When set, Columns/ForeignKeys/Indexes are ignored by DDL generation
	// and the table is excluded from column diffing.
	Virtual string
}

// Tables returns the full declarative schema, dependency-ordered so that
// referenced tables are created before their dependents.
func Tables() []Table {
	return []Table{
		{
			Name: "watch_dirs",
			Columns: []Column{
				{Name: "id", Type: "TEXT", PK: true},
				{Name: "name", Type: "TEXT"},
				{Name: "absolute_path", Type: "TEXT"},
			},
			Indexes: []Index{
				{Name: "idx_watch_dirs_path", Columns: []string{"absolute_path"}, Unique: true},
			},
		},
		{
			Name: "projects",
			Columns: []Column{
				{Name: "id", Type: "TEXT", PK: true},
				{Name: "name", Type: "TEXT"},
				{Name: "root_path", Type: "TEXT", NotNull: true},
				{Name: "watch_dir_id", Type: "TEXT"},
				{Name: "description", Type: "TEXT"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "watch_dir_id", RefTable: "watch_dirs", RefColumn: "id"},
			},
			Indexes: []Index{
				{Name: "idx_projects_root_path", Columns: []string{"root_path"}, Unique: true},
			},
		},
		{
			Name: "files",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PK: true},
				{Name: "project_id", Type: "TEXT", NotNull: true},
				{Name: "watch_dir_id", Type: "TEXT"},
				{Name: "relative_path", Type: "TEXT", NotNull: true},
				{Name: "path", Type: "TEXT"},
				{Name: "last_modified", Type: "REAL"},
				{Name: "deleted", Type: "INTEGER", NotNull: true, Default: "0"},
				{Name: "needs_chunking", Type: "INTEGER", NotNull: true, Default: "0"},
				{Name: "chunked_mtime", Type: "REAL"},
				{Name: "updated_at", Type: "REAL"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "project_id", RefTable: "projects", RefColumn: "id", OnDelete: "CASCADE"},
			},
			Indexes: []Index{
				{Name: "idx_files_project_rel", Columns: []string{"project_id", "relative_path"}, Unique: true},
				{Name: "idx_files_needs_chunking", Columns: []string{"needs_chunking", "deleted"}},
			},
		},
		{
			Name: "ast_trees",
			Columns: []Column{
				{Name: "file_id", Type: "INTEGER", PK: true},
				{Name: "content", Type: "TEXT"},
				{Name: "hash", Type: "TEXT"},
				{Name: "file_mtime", Type: "REAL"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "file_id", RefTable: "files", RefColumn: "id", OnDelete: "CASCADE"},
			},
		},
		{
			Name: "cst_trees",
			Columns: []Column{
				{Name: "file_id", Type: "INTEGER", PK: true},
				{Name: "content", Type: "TEXT"},
				{Name: "hash", Type: "TEXT"},
				{Name: "file_mtime", Type: "REAL"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "file_id", RefTable: "files", RefColumn: "id", OnDelete: "CASCADE"},
			},
		},
		{
			Name: "entities",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PK: true},
				{Name: "file_id", Type: "INTEGER", NotNull: true},
				{Name: "kind", Type: "TEXT", NotNull: true},
				{Name: "name", Type: "TEXT"},
				{Name: "qualname", Type: "TEXT"},
				{Name: "start_line", Type: "INTEGER"},
				{Name: "end_line", Type: "INTEGER"},
				{Name: "docstring", Type: "TEXT"},
				{Name: "parent_entity_id", Type: "INTEGER"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "file_id", RefTable: "files", RefColumn: "id", OnDelete: "CASCADE"},
			},
			Indexes: []Index{
				{Name: "idx_entities_file", Columns: []string{"file_id"}},
				{Name: "idx_entities_qualname", Columns: []string{"qualname"}},
			},
		},
		{
			Name: "code_content",
			Columns: []Column{
				{Name: "file_id", Type: "INTEGER", PK: true},
				{Name: "content", Type: "TEXT"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "file_id", RefTable: "files", RefColumn: "id", OnDelete: "CASCADE"},
			},
		},
		{
			Name:    "code_content_fts",
			Virtual: "CREATE VIRTUAL TABLE code_content_fts USING fts5(content)",
		},
		{
			Name: "code_chunks",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PK: true},
				{Name: "file_id", Type: "INTEGER", NotNull: true},
				{Name: "entity_ref", Type: "INTEGER"},
				{Name: "source_type", Type: "TEXT"},
				{Name: "text", Type: "TEXT"},
				{Name: "embedding", Type: "BLOB"},
				{Name: "embedding_model", Type: "TEXT"},
				{Name: "dataset_id", Type: "TEXT", NotNull: true, Default: "'default'"},
				{Name: "vector_id", Type: "INTEGER"},
			},
			ForeignKeys: []ForeignKey{
				{Column: "file_id", RefTable: "files", RefColumn: "id", OnDelete: "CASCADE"},
			},
			Indexes: []Index{
				{Name: "idx_chunks_file", Columns: []string{"file_id"}},
				{Name: "idx_chunks_pending", Columns: []string{"vector_id"}},
			},
		},
		{
			Name: "indexing_errors",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PK: true},
				{Name: "file_id", Type: "INTEGER"},
				{Name: "error", Type: "TEXT"},
				{Name: "created_at", Type: "REAL"},
			},
		},
		{
			Name: "worker_stats",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PK: true},
				{Name: "worker", Type: "TEXT", NotNull: true},
				{Name: "cycle", Type: "INTEGER"},
				{Name: "started_at", Type: "REAL"},
				{Name: "finished_at", Type: "REAL"},
				{Name: "items", Type: "INTEGER"},
				{Name: "errors", Type: "INTEGER"},
			},
		},
	}
}

// CreateSQL renders the CREATE TABLE statement for a declared table.
func (t Table) CreateSQL() string {
	if t.Virtual != "" {
		return t.Virtual
	}

	var parts []string
	for _, c := range t.Columns {
		parts = append(parts, c.columnSQL())
	}
	for _, fk := range t.ForeignKeys {
		clause := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)", fk.Column, fk.RefTable, fk.RefColumn)
		if fk.OnDelete != "" {
			clause += " ON DELETE " + fk.OnDelete
		}
		parts = append(parts, clause)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.Name, strings.Join(parts, ", "))
}

func (c Column) columnSQL() string {
	s := c.Name + " " + c.Type
	if c.PK {
		s += " PRIMARY KEY"
	}
	if c.NotNull {
		s += " NOT NULL"
	}
	if c.Default != "" {
		s += " DEFAULT " + c.Default
	}
	return s
}

// IndexSQL renders CREATE INDEX statements for a declared table.
func (t Table) IndexSQL() []string {
	var stmts []string
	for _, idx := range t.Indexes {
		kw := "INDEX"
		if idx.Unique {
			kw = "UNIQUE INDEX"
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
			kw, idx.Name, t.Name, strings.Join(idx.Columns, ", ")))
	}
	return stmts
}

// column returns the declaration of a named column, if present.
func (t Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}
