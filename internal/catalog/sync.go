package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Diff summarises what a Sync run did or would do.
type Diff struct {
	CreatedTables  []string `json:"created_tables,omitempty"`
	AddedColumns   []string `json:"added_columns,omitempty"` // "table.column"
	RebuiltTables  []string `json:"rebuilt_tables,omitempty"`
	CreatedIndexes []string `json:"created_indexes,omitempty"`
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.CreatedTables) == 0 && len(d.AddedColumns) == 0 &&
		len(d.RebuiltTables) == 0 && len(d.CreatedIndexes) == 0
}

// Sync compares the live DDL with the declaration and applies migrations.
// All statements of a single table rebuild share one transaction. Returns
// the applied diff.
func Sync(db *sql.DB) (Diff, error) {
	var diff Diff

	live, err := liveTables(db)
	if err != nil {
		return diff, err
	}

	for _, decl := range Tables() {
		if _, ok := live[decl.Name]; !ok {
			if _, err := db.Exec(decl.CreateSQL()); err != nil {
				return diff, cerrors.Wrapf(cerrors.KindMigration, err, "create table %s", decl.Name)
			}
			diff.CreatedTables = append(diff.CreatedTables, decl.Name)
		} else if decl.Virtual == "" {
			if err := syncColumns(db, decl, &diff); err != nil {
				return diff, err
			}
		}

		for _, stmt := range decl.IndexSQL() {
			if _, err := db.Exec(stmt); err != nil {
				return diff, cerrors.Wrapf(cerrors.KindMigration, err, "create index on %s", decl.Name)
			}
		}
	}

	return diff, nil
}

// syncColumns adds missing columns and rebuilds the table when a declared
// column's type changed.
func syncColumns(db *sql.DB, decl Table, diff *Diff) error {
	cols, err := tableColumns(db, decl.Name)
	if err != nil {
		return err
	}

	var missing []Column
	rebuild := false
	for _, c := range decl.Columns {
		liveType, ok := cols[c.Name]
		if !ok {
			missing = append(missing, c)
			continue
		}
		if !strings.EqualFold(liveType, c.Type) {
			rebuild = true
		}
	}

	if rebuild {
		if err := rebuildTable(db, decl, cols); err != nil {
			return err
		}
		diff.RebuiltTables = append(diff.RebuiltTables, decl.Name)
		return nil
	}

	for _, c := range missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", decl.Name, c.columnSQL())
		if _, err := db.Exec(stmt); err != nil {
			return cerrors.Wrapf(cerrors.KindMigration, err, "add column %s.%s", decl.Name, c.Name)
		}
		diff.AddedColumns = append(diff.AddedColumns, decl.Name+"."+c.Name)
	}
	return nil
}

// rebuildTable applies the rename-and-copy migration in one transaction:
// RENAME t -> temp_t; CREATE t (new shape); INSERT ... SELECT; DROP temp_t.
func rebuildTable(db *sql.DB, decl Table, liveCols map[string]string) error {
	tx, err := db.Begin()
	if err != nil {
		return cerrors.Wrap(cerrors.KindMigration, err)
	}
	defer func() { _ = tx.Rollback() }()

	temp := "temp_" + decl.Name

	// Shared columns keep their data; new columns take their defaults.
	var shared []string
	for _, c := range decl.Columns {
		if _, ok := liveCols[c.Name]; ok {
			shared = append(shared, c.Name)
		}
	}

	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", decl.Name, temp),
		decl.CreateSQL(),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			decl.Name, strings.Join(shared, ", "), strings.Join(shared, ", "), temp),
		fmt.Sprintf("DROP TABLE %s", temp),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return cerrors.Wrapf(cerrors.KindMigration, err, "rebuild %s", decl.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return cerrors.Wrapf(cerrors.KindMigration, err, "commit rebuild of %s", decl.Name)
	}
	return nil
}

// liveTables returns the names of tables present in the database.
func liveTables(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type IN ('table', 'view')`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindSql, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cerrors.Wrap(cerrors.KindSql, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// tableColumns returns column name -> declared type for a live table.
func tableColumns(db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindSql, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, cerrors.Wrap(cerrors.KindSql, err)
		}
		out[name] = typ
	}
	return out, rows.Err()
}
