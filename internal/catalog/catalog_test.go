package catalog

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSyncCreatesAllTables(t *testing.T) {
	db := openTestDB(t)

	diff, err := Sync(db)
	require.NoError(t, err)

	for _, decl := range Tables() {
		assert.Contains(t, diff.CreatedTables, decl.Name)
	}

	live, err := liveTables(db)
	require.NoError(t, err)
	for _, decl := range Tables() {
		assert.True(t, live[decl.Name], "table %s must exist", decl.Name)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	_, err := Sync(db)
	require.NoError(t, err)

	diff, err := Sync(db)
	require.NoError(t, err)
	assert.True(t, diff.Empty(), "second sync must be a no-op, got %+v", diff)
}

func TestSyncAddsMissingColumn(t *testing.T) {
	db := openTestDB(t)

	// An old files table without chunked_mtime.
	_, err := db.Exec(`CREATE TABLE files (
		id INTEGER PRIMARY KEY, project_id TEXT NOT NULL, watch_dir_id TEXT,
		relative_path TEXT NOT NULL, path TEXT, last_modified REAL,
		deleted INTEGER NOT NULL DEFAULT 0,
		needs_chunking INTEGER NOT NULL DEFAULT 0, updated_at REAL)`)
	require.NoError(t, err)

	diff, err := Sync(db)
	require.NoError(t, err)
	assert.Contains(t, diff.AddedColumns, "files.chunked_mtime")
}

func TestSyncRebuildsOnTypeChange(t *testing.T) {
	db := openTestDB(t)

	// last_modified stored as INTEGER in the legacy shape.
	_, err := db.Exec(`CREATE TABLE files (
		id INTEGER PRIMARY KEY, project_id TEXT NOT NULL, watch_dir_id TEXT,
		relative_path TEXT NOT NULL, path TEXT, last_modified INTEGER,
		deleted INTEGER NOT NULL DEFAULT 0,
		needs_chunking INTEGER NOT NULL DEFAULT 0, chunked_mtime REAL,
		updated_at REAL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (project_id, relative_path, path, last_modified)
		VALUES ('P1', 'm.py', '/w/projA/m.py', 1000000)`)
	require.NoError(t, err)

	diff, err := Sync(db)
	require.NoError(t, err)
	assert.Contains(t, diff.RebuiltTables, "files")

	// Data survives the rename-and-copy.
	var rel string
	var mtime float64
	err = db.QueryRow(`SELECT relative_path, last_modified FROM files WHERE project_id = 'P1'`).
		Scan(&rel, &mtime)
	require.NoError(t, err)
	assert.Equal(t, "m.py", rel)
	assert.Equal(t, float64(1000000), mtime)

	cols, err := tableColumns(db, "files")
	require.NoError(t, err)
	assert.Equal(t, "REAL", cols["last_modified"])

	// temp_files must be gone.
	live, err := liveTables(db)
	require.NoError(t, err)
	assert.False(t, live["temp_files"])
}

func TestIntegrityOK(t *testing.T) {
	db := openTestDB(t)
	_, err := Sync(db)
	require.NoError(t, err)

	require.NoError(t, CheckIntegrity(db))
}

func TestIntegrityRecoversAbortedMigration(t *testing.T) {
	db := openTestDB(t)
	_, err := Sync(db)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO projects (id, name, root_path) VALUES ('P1', 'a', '/w/a')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO files (project_id, relative_path, path) VALUES ('P1', 'm.py', '/w/a/m.py')`)
	require.NoError(t, err)

	// Simulate a crash right after RENAME files -> temp_files.
	_, err = db.Exec(`ALTER TABLE files RENAME TO temp_files`)
	require.NoError(t, err)

	require.NoError(t, CheckIntegrity(db))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n))
	assert.Equal(t, 1, n, "no rows may be lost by recovery")

	live, err := liveTables(db)
	require.NoError(t, err)
	assert.False(t, live["temp_files"])
}

func TestIntegrityDropsPartialCopyAndRestoresOriginal(t *testing.T) {
	db := openTestDB(t)
	_, err := Sync(db)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO worker_stats (worker, cycle) VALUES ('indexing', 1)`)
	require.NoError(t, err)

	// Crash mid-copy: renamed original plus a partially filled new table.
	_, err = db.Exec(`ALTER TABLE worker_stats RENAME TO temp_worker_stats`)
	require.NoError(t, err)
	_, err = db.Exec(Tables()[len(Tables())-1].CreateSQL())
	require.NoError(t, err)

	require.NoError(t, CheckIntegrity(db))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM worker_stats`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIntegrityCorruptKind(t *testing.T) {
	db := openTestDB(t)
	_, err := Sync(db)
	require.NoError(t, err)

	// Orphan a row to trip the FK sweep (FKs are not enforced by default
	// in SQLite, so the insert succeeds).
	_, err = db.Exec(`INSERT INTO entities (file_id, kind, name) VALUES (999, 'class', 'X')`)
	require.NoError(t, err)

	err = CheckIntegrity(db)
	require.Error(t, err)
	assert.Equal(t, cerrors.KindCorruptDb, cerrors.KindOf(err))
}

func TestRepairAfterOrphanCleanup(t *testing.T) {
	db := openTestDB(t)
	_, err := Sync(db)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO entities (file_id, kind, name) VALUES (999, 'class', 'X')`)
	require.NoError(t, err)
	require.Error(t, CheckIntegrity(db))

	_, err = db.Exec(`DELETE FROM entities WHERE file_id = 999`)
	require.NoError(t, err)
	require.NoError(t, Repair(db))
}

func TestCreateSQLShapes(t *testing.T) {
	for _, decl := range Tables() {
		sqlText := decl.CreateSQL()
		assert.Contains(t, sqlText, decl.Name)
		if decl.Virtual == "" {
			assert.Contains(t, sqlText, "CREATE TABLE")
		} else {
			assert.Contains(t, sqlText, "VIRTUAL TABLE")
		}
	}
}
