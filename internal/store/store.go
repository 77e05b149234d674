// Package store wraps the embedded SQL engine. It owns the single write
// connection for a database file and serialises every statement through one
// executor; no second connection is ever opened inside the process.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Store is the embedded SQL store. Safe for concurrent use; statements are
// executed one at a time on the single connection.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	// tx is the currently open transaction; nil when none. Only one
	// transaction may be open at a time.
	tx   *sql.Tx
	txID string

	closed bool
}

// Result reports the outcome of a mutation.
type Result struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// Open opens (creating if needed) the database file with exactly one writer
// connection and WAL-mode pragmas.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, cerrors.Wrapf(cerrors.KindIo, err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.KindIo, err, "open database %s", path)
	}

	// One statement at a time on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, cerrors.Wrapf(cerrors.KindIo, err, "set pragma")
		}
	}

	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying handle for the catalogue's schema routines.
// Helpers accept this existing connection; nothing opens a second one.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Execute runs a mutation. When txID is non-empty the statement joins that
// open transaction; an unknown id yields KindUnknownTx.
func (s *Store) Execute(sqlText string, params []any, txID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{}, cerrors.New(cerrors.KindIo, "store is closed")
	}

	var res sql.Result
	var err error
	if txID != "" {
		if s.tx == nil || s.txID != txID {
			return Result{}, cerrors.Newf(cerrors.KindUnknownTx, "unknown transaction %s", txID)
		}
		res, err = s.tx.Exec(sqlText, params...)
	} else {
		res, err = s.db.Exec(sqlText, params...)
	}
	if err != nil {
		return Result{}, cerrors.Wrapf(cerrors.KindSql, err, "execute failed")
	}

	out := Result{}
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

// Select runs a query and returns the rows as column-keyed maps with the
// driver's original scalar types preserved.
func (s *Store) Select(sqlText string, params []any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, cerrors.New(cerrors.KindIo, "store is closed")
	}

	var rows *sql.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.Query(sqlText, params...)
	} else {
		rows, err = s.db.Query(sqlText, params...)
	}
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.KindSql, err, "select failed")
	}
	defer rows.Close()

	return scanRows(rows)
}

// Begin opens a transaction and returns its opaque id. A second Begin while
// one is open returns KindTxBusy.
func (s *Store) Begin() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", cerrors.New(cerrors.KindIo, "store is closed")
	}
	if s.tx != nil {
		return "", cerrors.New(cerrors.KindTxBusy, "a transaction is already open")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", cerrors.Wrap(cerrors.KindSql, err)
	}
	s.tx = tx
	s.txID = uuid.NewString()
	return s.txID, nil
}

// Commit commits the named transaction.
func (s *Store) Commit(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishTx(txID, true)
}

// Rollback aborts the named transaction.
func (s *Store) Rollback(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishTx(txID, false)
}

func (s *Store) finishTx(txID string, commit bool) error {
	if s.tx == nil || s.txID != txID {
		return cerrors.Newf(cerrors.KindUnknownTx, "unknown transaction %s", txID)
	}
	tx := s.tx
	s.tx = nil
	s.txID = ""

	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}
	if err != nil {
		return cerrors.Wrap(cerrors.KindSql, err)
	}
	return nil
}

// InTx reports whether a transaction is currently open.
func (s *Store) InTx() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// WithTx runs fn inside a dedicated transaction, committing on nil and
// rolling back on error. It is the building block for multi-statement
// server-side routines such as index_file.
func (s *Store) WithTx(fn func(txID string) error) error {
	txID, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(txID); err != nil {
		_ = s.Rollback(txID)
		return err
	}
	return s.Commit(txID)
}

// Close rolls back any open transaction and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	return s.db.Close()
}

// scanRows converts sql rows to column-keyed maps. Byte slices are copied
// because the driver reuses buffers between rows.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindSql, err)
	}

	out := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, cerrors.Wrap(cerrors.KindSql, err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				cp := make([]byte, len(b))
				copy(cp, b)
				v = cp
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.KindSql, err)
	}
	return out, nil
}

// String renders a short identity for logging.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s)", s.path)
}
