package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/catalog"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

func openJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database_queries.jsonl")
	j, err := Open(path, 1024*1024, 5)
	require.NoError(t, err)
	t.Cleanup(j.Close)
	j.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return j, path
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRecordShape(t *testing.T) {
	j, path := openJournal(t)

	j.Record("INSERT INTO projects (id) VALUES (?)", []any{"P1"}, true, "tx-9", nil)
	j.Record("INSERT INTO nope VALUES (1)", nil, false, "", assertErr{})
	j.Close()

	entries := readEntries(t, path)
	require.Len(t, entries, 2)

	assert.Equal(t, "2026-08-01T12:00:00Z", entries[0].TS)
	assert.Equal(t, "INSERT INTO projects (id) VALUES (?)", entries[0].SQL)
	assert.Equal(t, []any{"P1"}, entries[0].Params)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "tx-9", entries[0].TransactionID)
	assert.Empty(t, entries[0].Error)

	assert.False(t, entries[1].Success)
	assert.Equal(t, "no such table", entries[1].Error)
	assert.NotNil(t, entries[1].Params, "params must encode as [] not null")
}

type assertErr struct{}

func (assertErr) Error() string { return "no such table" }

func TestNilJournalIsInert(t *testing.T) {
	var j *Journal
	assert.NotPanics(t, func() {
		j.Record("SELECT 1", nil, true, "", nil)
		j.Close()
	})
}

func newSyncedStore(t *testing.T, name string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = catalog.Sync(s.DB())
	require.NoError(t, err)
	return s
}

func TestReplayReproducesState(t *testing.T) {
	j, path := openJournal(t)
	a := newSyncedStore(t, "a.db")
	b := newSyncedStore(t, "b.db")

	// Populate A, journaling every mutation the way the driver does.
	run := func(sqlText string, params []any) {
		_, err := a.Execute(sqlText, params, "")
		require.NoError(t, err)
		j.Record(sqlText, params, true, "", nil)
	}
	run(`INSERT INTO watch_dirs (id, absolute_path) VALUES (?, ?)`, []any{"W1", "/w"})
	run(`INSERT INTO projects (id, name, root_path, watch_dir_id) VALUES (?, ?, ?, ?)`,
		[]any{"P1", "projA", "/w/projA", "W1"})
	run(`INSERT INTO files (project_id, relative_path, path, last_modified, needs_chunking) VALUES (?, ?, ?, ?, 1)`,
		[]any{"P1", "m.py", "/w/projA/m.py", 1000000.0})

	// A failed statement must not be replayed.
	j.Record(`INSERT INTO files (project_id, relative_path) VALUES ('P1', 'm.py')`,
		nil, false, "", assertErr{})
	j.Close()

	stats, err := Replay(path, 5, b)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Applied)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)

	for _, table := range []string{"watch_dirs", "projects", "files"} {
		ra, err := a.Select(`SELECT COUNT(*) AS n FROM `+table, nil)
		require.NoError(t, err)
		rb, err := b.Select(`SELECT COUNT(*) AS n FROM `+table, nil)
		require.NoError(t, err)
		assert.Equal(t, ra[0]["n"], rb[0]["n"], "row count mismatch in %s", table)
	}

	rows, err := b.Select(`SELECT relative_path, last_modified, needs_chunking FROM files`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m.py", rows[0]["relative_path"])
	assert.Equal(t, float64(1000000), rows[0]["last_modified"])
	assert.Equal(t, int64(1), rows[0]["needs_chunking"])
}

func TestReplayTransactionGroups(t *testing.T) {
	j, path := openJournal(t)
	b := newSyncedStore(t, "b.db")

	// Committed group.
	j.Record("BEGIN", nil, true, "tx-1", nil)
	j.Record(`INSERT INTO projects (id, root_path) VALUES ('P1', '/w/a')`, nil, true, "tx-1", nil)
	j.Record("COMMIT", nil, true, "tx-1", nil)

	// Group whose commit never made it to the journal (crash).
	j.Record("BEGIN", nil, true, "tx-2", nil)
	j.Record(`INSERT INTO projects (id, root_path) VALUES ('P2', '/w/b')`, nil, true, "tx-2", nil)
	j.Close()

	_, err := Replay(path, 5, b)
	require.NoError(t, err)

	rows, err := b.Select(`SELECT id FROM projects ORDER BY id`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1, "uncommitted journal group must not land")
	assert.Equal(t, "P1", rows[0]["id"])
}

func TestReplaySkipsTornTailLine(t *testing.T) {
	j, path := openJournal(t)
	b := newSyncedStore(t, "b.db")

	j.Record(`INSERT INTO projects (id, root_path) VALUES ('P1', '/w/a')`, nil, true, "", nil)
	j.Close()

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-08-01T12:00:01Z","sql":"INSERT INTO pro`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := Replay(path, 5, b)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, 1, stats.Failed)
}

func TestJournalRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.jsonl")
	j, err := Open(path, 256, 2)
	require.NoError(t, err)

	long := strings.Repeat("v", 64)
	for i := 0; i < 12; i++ {
		j.Record(`INSERT INTO projects (name) VALUES (?)`, []any{long}, true, "", nil)
	}
	j.Close()

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "rotated journal backup must exist")
}
