package driver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/journal"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

const pySample = `"""Example module."""


class Greeter:
    """Greets people."""

    def greet(self, name):
        """Return a greeting."""
        return "hello " + name


def main():
    print(Greeter().greet("world"))
`

type fixture struct {
	h       *Handler
	st      *store.Store
	root    string
	absPath string
}

func newFixture(t *testing.T, inline bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "code.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	jnl, err := journal.Open(filepath.Join(dir, "database_queries.jsonl"), 1<<20, 2)
	require.NoError(t, err)

	h := NewHandler(st, jnl, inline)
	require.NoError(t, h.Startup())
	t.Cleanup(h.Close)

	root := filepath.Join(dir, "projA")
	require.NoError(t, os.MkdirAll(root, 0o755))
	_, err = st.Execute(`INSERT INTO projects (id, name, root_path) VALUES ('P1', 'projA', ?)`,
		[]any{root}, "")
	require.NoError(t, err)

	absPath := filepath.Join(root, "m.py")
	require.NoError(t, os.WriteFile(absPath, []byte(pySample), 0o644))

	return &fixture{h: h, st: st, root: root, absPath: absPath}
}

func (f *fixture) do(t *testing.T, op string, args any, out any) *WireError {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)

	resp := f.h.Handle(Request{ID: 1, Op: op, Args: raw})
	if !resp.OK {
		require.NotNil(t, resp.Error)
		return resp.Error
	}
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Value, out))
	}
	return nil
}

func TestHandleExecuteAndSelect(t *testing.T) {
	f := newFixture(t, false)

	var res ExecuteResult
	werr := f.do(t, OpExecute, ExecuteArgs{
		SQL:    `INSERT INTO watch_dirs (id, absolute_path) VALUES (?, ?)`,
		Params: []any{"W1", "/w"},
	}, &res)
	require.Nil(t, werr)
	assert.Equal(t, int64(1), res.RowsAffected)

	var sel SelectResult
	werr = f.do(t, OpSelect, SelectArgs{SQL: `SELECT id FROM watch_dirs`}, &sel)
	require.Nil(t, werr)
	require.Len(t, sel.Rows, 1)
	assert.Equal(t, "W1", sel.Rows[0]["id"])
}

func TestHandleSqlErrorKind(t *testing.T) {
	f := newFixture(t, false)

	werr := f.do(t, OpExecute, ExecuteArgs{SQL: `INSERT INTO nope VALUES (1)`}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindSql), werr.Kind)
}

func TestHandleTxLifecycle(t *testing.T) {
	f := newFixture(t, false)

	var begin BeginResult
	require.Nil(t, f.do(t, OpBegin, struct{}{}, &begin))
	require.NotEmpty(t, begin.Tx)

	werr := f.do(t, OpBegin, struct{}{}, nil)
	require.NotNil(t, werr, "nested begin must fail")
	assert.Equal(t, string(cerrors.KindTxBusy), werr.Kind)

	require.Nil(t, f.do(t, OpExecute, ExecuteArgs{
		SQL: `INSERT INTO watch_dirs (id, absolute_path) VALUES ('W1', '/w')`, Tx: begin.Tx}, nil))
	require.Nil(t, f.do(t, OpRollback, TxArgs{Tx: begin.Tx}, nil))

	var sel SelectResult
	require.Nil(t, f.do(t, OpSelect, SelectArgs{SQL: `SELECT id FROM watch_dirs`}, &sel))
	assert.Empty(t, sel.Rows)

	werr = f.do(t, OpCommit, TxArgs{Tx: begin.Tx}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindUnknownTx), werr.Kind)
}

func TestIndexFileCreatesDerivedState(t *testing.T) {
	f := newFixture(t, false)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))
	assert.True(t, res.Created)
	require.NotZero(t, res.FileID)

	rows, err := f.st.Select(`SELECT needs_chunking, deleted, relative_path, last_modified FROM files WHERE id = ?`,
		[]any{res.FileID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0]["needs_chunking"])
	assert.Equal(t, "m.py", rows[0]["relative_path"])
	assert.IsType(t, float64(0), rows[0]["last_modified"])

	for _, table := range []string{"ast_trees", "cst_trees", "entities", "code_content"} {
		rows, err := f.st.Select(`SELECT COUNT(*) AS n FROM `+table+` WHERE file_id = ?`, []any{res.FileID})
		require.NoError(t, err)
		assert.Positive(t, rows[0]["n"], "table %s must have rows", table)
	}

	fts, err := f.st.Select(`SELECT rowid FROM code_content_fts WHERE code_content_fts MATCH 'greeting'`, nil)
	require.NoError(t, err)
	require.Len(t, fts, 1)
	assert.Equal(t, res.FileID, fts[0]["rowid"])

	// Entity shape: Greeter.greet is a method with a parent.
	ents, err := f.st.Select(
		`SELECT kind, parent_entity_id FROM entities WHERE qualname = 'Greeter.greet'`, nil)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "method", ents[0]["kind"])
	assert.NotNil(t, ents[0]["parent_entity_id"])
}

func TestIndexFileIsIdempotentPerFile(t *testing.T) {
	f := newFixture(t, false)

	var first, second IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &first))
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &second))

	assert.Equal(t, first.FileID, second.FileID)
	assert.False(t, second.Created)

	rows, err := f.st.Select(`SELECT COUNT(*) AS n FROM ast_trees WHERE file_id = ?`, []any{first.FileID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows[0]["n"], "reindex must not duplicate derived rows")
}

func TestIndexFileInlineChunking(t *testing.T) {
	f := newFixture(t, true)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))

	chunks, err := f.st.Select(
		`SELECT source_type, entity_ref FROM code_chunks WHERE file_id = ? ORDER BY id`, []any{res.FileID})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	types := make(map[string]bool)
	for _, c := range chunks {
		types[c["source_type"].(string)] = true
	}
	assert.True(t, types["file_docstring"])
	assert.True(t, types["docstring"])

	rows, err := f.st.Select(`SELECT chunked_mtime FROM files WHERE id = ?`, []any{res.FileID})
	require.NoError(t, err)
	assert.NotNil(t, rows[0]["chunked_mtime"])
}

func TestIndexFileWithoutInlineChunkingLeavesChunksToWorker(t *testing.T) {
	f := newFixture(t, false)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))

	chunks, err := f.st.Select(`SELECT id FROM code_chunks WHERE file_id = ?`, []any{res.FileID})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	rows, err := f.st.Select(`SELECT chunked_mtime FROM files WHERE id = ?`, []any{res.FileID})
	require.NoError(t, err)
	assert.Nil(t, rows[0]["chunked_mtime"], "chunk extraction is deferred to the vectorization worker")
}

func TestIndexFileMissingFileIsFsErr(t *testing.T) {
	f := newFixture(t, false)

	werr := f.do(t, OpIndexFile, IndexFileArgs{
		Path: filepath.Join(f.root, "vanished.py"), ProjectID: "P1"}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindFs), werr.Kind)
}

func TestIndexFileUnknownProject(t *testing.T) {
	f := newFixture(t, false)

	werr := f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "nope"}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindNotFound), werr.Kind)
}

func TestIndexFileParseErrorClearsFlagAndRecords(t *testing.T) {
	f := newFixture(t, false)

	bad := filepath.Join(f.root, "broken.py")
	require.NoError(t, os.WriteFile(bad, []byte("def broken(:\n    pass\n"), 0o644))

	werr := f.do(t, OpIndexFile, IndexFileArgs{Path: bad, ProjectID: "P1"}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindParse), werr.Kind)

	rows, err := f.st.Select(
		`SELECT needs_chunking FROM files WHERE project_id = 'P1' AND relative_path = 'broken.py'`, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0]["needs_chunking"],
		"parse failures clear the flag so the file is not retried without a change")

	errs, err := f.st.Select(`SELECT error FROM indexing_errors`, nil)
	require.NoError(t, err)
	require.Len(t, errs, 1)

	// No derived rows may exist for the broken file.
	trees, err := f.st.Select(
		`SELECT t.file_id FROM ast_trees t JOIN files f ON f.id = t.file_id WHERE f.relative_path = 'broken.py'`, nil)
	require.NoError(t, err)
	assert.Empty(t, trees)
}

func TestClearFileData(t *testing.T) {
	f := newFixture(t, true)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))

	require.Nil(t, f.do(t, OpClearFileData, ClearFileDataArgs{FileID: res.FileID}, nil))

	for _, table := range []string{"ast_trees", "cst_trees", "entities", "code_chunks", "code_content"} {
		rows, err := f.st.Select(`SELECT COUNT(*) AS n FROM `+table+` WHERE file_id = ?`, []any{res.FileID})
		require.NoError(t, err)
		assert.Equal(t, int64(0), rows[0]["n"], "table %s must be empty after clear_file_data", table)
	}
	fts, err := f.st.Select(`SELECT COUNT(*) AS n FROM code_content_fts WHERE rowid = ?`, []any{res.FileID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), fts[0]["n"])
}

func TestQueryAst(t *testing.T) {
	f := newFixture(t, false)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))

	var q TreeQueryResult
	require.Nil(t, f.do(t, OpQueryAst, TreeQueryArgs{ProjectID: "P1", Filter: "//class_definition"}, &q))
	require.Len(t, q.Nodes, 1)
	assert.Equal(t, "Greeter", q.Nodes[0].Name)
	assert.Equal(t, res.FileID, q.Nodes[0].FileID)

	var q2 TreeQueryResult
	require.Nil(t, f.do(t, OpQueryCst, TreeQueryArgs{
		ProjectID: "P1", Filter: "//function_definition[name='greet']"}, &q2))
	assert.Len(t, q2.Nodes, 1)
}

func TestQueryAstUnknownProjectIsNotFound(t *testing.T) {
	f := newFixture(t, false)

	werr := f.do(t, OpQueryAst, TreeQueryArgs{ProjectID: "ghost", Filter: "//x"}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindNotFound), werr.Kind)
}

func TestModifyAst(t *testing.T) {
	f := newFixture(t, false)

	var res IndexFileResult
	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, &res))

	var mod TreeModifyResult
	require.Nil(t, f.do(t, OpModifyAst, map[string]any{
		"project_id": "P1",
		"filter":     "//function_definition[name='greet']",
		"edits":      []map[string]string{{"op": "set_name", "value": "welcome"}},
	}, &mod))
	assert.Equal(t, []int64{res.FileID}, mod.AffectedFileIDs)

	var q TreeQueryResult
	require.Nil(t, f.do(t, OpQueryAst, TreeQueryArgs{
		ProjectID: "P1", Filter: "//function_definition[name='welcome']"}, &q))
	assert.Len(t, q.Nodes, 1)
}

func TestModifyAstNoMatch(t *testing.T) {
	f := newFixture(t, false)

	require.Nil(t, f.do(t, OpIndexFile, IndexFileArgs{Path: f.absPath, ProjectID: "P1"}, nil))

	werr := f.do(t, OpModifyAst, map[string]any{
		"project_id": "P1",
		"filter":     "//class_definition[name='Ghost']",
		"edits":      []map[string]string{{"op": "delete"}},
	}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindNotFound), werr.Kind)
}

func TestSyncSchemaOpReportsEmptyDiff(t *testing.T) {
	f := newFixture(t, false)

	var diff map[string]any
	require.Nil(t, f.do(t, OpSyncSchema, struct{}{}, &diff))
	assert.Empty(t, diff)
}

func TestRefusalLatch(t *testing.T) {
	f := newFixture(t, false)
	f.h.refusing.Store(true)

	werr := f.do(t, OpSelect, SelectArgs{SQL: `SELECT 1`}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindCorruptDb), werr.Kind)

	// ping and status still answer.
	var ping PingResult
	require.Nil(t, f.do(t, OpPing, struct{}{}, &ping))
	assert.True(t, ping.Pong)

	var status StatusResult
	require.Nil(t, f.do(t, OpStatus, struct{}{}, &status))
	assert.True(t, status.Refusing)

	// repair clears the latch.
	require.Nil(t, f.do(t, OpRepair, struct{}{}, nil))
	require.Nil(t, f.do(t, OpSelect, SelectArgs{SQL: `SELECT 1 AS one`}, nil))
}

func TestUnknownOp(t *testing.T) {
	f := newFixture(t, false)

	werr := f.do(t, "frobnicate", struct{}{}, nil)
	require.NotNil(t, werr)
	assert.Equal(t, string(cerrors.KindNotFound), werr.Kind)
}
