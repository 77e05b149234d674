package vectorize

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/driver"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/embedder"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/vector"
)

// fakeService is a controllable in-process chunker/embedder.
type fakeService struct {
	failing    atomic.Bool
	chunkCalls atomic.Int64
	embedCalls atomic.Int64
}

func (f *fakeService) Chunk(ctx context.Context, text string) ([]embedder.ChunkPiece, error) {
	f.chunkCalls.Add(1)
	if f.failing.Load() {
		return nil, cerrors.New(cerrors.KindExternal, "chunker down")
	}
	return []embedder.ChunkPiece{
		{Text: "piece one of " + text[:min(8, len(text))], SourceType: "docstring", StartLine: 1},
		{Text: "piece two trailing", SourceType: "comment", StartLine: 5},
	}, nil
}

func (f *fakeService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.embedCalls.Add(1)
	if f.failing.Load() {
		return nil, cerrors.New(cerrors.KindExternal, "embedder down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return out, nil
}

func (f *fakeService) Model() string { return "fake-embed" }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type env struct {
	client  *dbclient.Client
	st      *store.Store
	svc     *fakeService
	indexes *vector.Manager
	w       *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()

	dbPath := filepath.Join(base, "code.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)

	h := driver.NewHandler(st, nil, false)
	require.NoError(t, h.Startup())

	srv := driver.NewServer(driver.SocketPath(dbPath), h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = srv.ListenAndServe(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		<-done
		_ = st.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(driver.SocketPath(dbPath)); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline))
		time.Sleep(10 * time.Millisecond)
	}

	client := dbclient.New(dbclient.NewConfig(dbPath))
	t.Cleanup(func() { _ = client.Close() })

	svc := &fakeService{}
	indexes := vector.NewManager(filepath.Join(base, "faiss"), 3, vector.MetricCosine)

	w := New(Config{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
		Breaker: cerrors.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Hour,
		},
	}, client, svc, indexes)

	return &env{client: client, st: st, svc: svc, indexes: indexes, w: w}
}

// seedFile inserts a project, an indexed file with content, and returns the
// file id.
func (e *env) seedFile(t *testing.T, rel string) int64 {
	t.Helper()
	ctx := context.Background()

	_, err := e.client.Execute(ctx,
		`INSERT OR IGNORE INTO projects (id, root_path) VALUES ('P1', '/w/projA')`, nil, "")
	require.NoError(t, err)

	res, err := e.client.Execute(ctx,
		`INSERT INTO files (project_id, relative_path, path, last_modified, needs_chunking, deleted, updated_at)
		 VALUES ('P1', ?, ?, 1000000.0, 0, 0, 1000000.0)`,
		[]any{rel, "/w/projA/" + rel}, "")
	require.NoError(t, err)

	_, err = e.client.Execute(ctx,
		`INSERT INTO code_content (file_id, content) VALUES (?, ?)`,
		[]any{res.LastInsertID, "\"\"\"Docstring material.\"\"\"\n# a comment\n"}, "")
	require.NoError(t, err)
	return res.LastInsertID
}

func (e *env) chunkRows(t *testing.T, fileID int64) []map[string]any {
	t.Helper()
	rows, err := e.client.Select(context.Background(),
		`SELECT id, source_type, vector_id, embedding_model FROM code_chunks WHERE file_id = ? ORDER BY id`,
		[]any{fileID})
	require.NoError(t, err)
	return rows
}

func TestCycleChunksAndEmbeds(t *testing.T) {
	e := newEnv(t)
	fileID := e.seedFile(t, "m.py")

	// First cycle extracts chunks via the external chunker.
	n, err := e.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)

	rows := e.chunkRows(t, fileID)
	require.Len(t, rows, 2)

	// Second cycle embeds them and assigns vector ids.
	_, err = e.w.Cycle(context.Background())
	require.NoError(t, err)

	rows = e.chunkRows(t, fileID)
	ix, err := e.indexes.Get("P1", "default")
	require.NoError(t, err)
	for _, row := range rows {
		require.NotNil(t, row["vector_id"], "every chunk must get a vector id")
		assert.Equal(t, "fake-embed", row["embedding_model"])
		assert.True(t, ix.Contains(uint64(asInt(row["vector_id"]))),
			"vector %v must be present in the index", row["vector_id"])
	}
	assert.Equal(t, 2, ix.Count())

	// chunked_mtime now matches last_modified: no re-chunking.
	chunkCallsBefore := e.svc.chunkCalls.Load()
	_, err = e.w.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, chunkCallsBefore, e.svc.chunkCalls.Load())
}

func TestOutboundCallsAreBatched(t *testing.T) {
	e := newEnv(t)
	for _, rel := range []string{"a.py", "b.py", "c.py"} {
		e.seedFile(t, rel)
	}

	_, err := e.w.Cycle(context.Background()) // chunk extraction
	require.NoError(t, err)
	_, err = e.w.Cycle(context.Background()) // embedding
	require.NoError(t, err)

	rows, err := e.client.Select(context.Background(),
		`SELECT COUNT(*) AS n FROM code_chunks WHERE vector_id IS NULL`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), asInt(rows[0]["n"]), "all pending chunks embedded within two cycles")

	// Six pending chunks, batch size 10: at most one embed call per cycle,
	// never one call per chunk.
	assert.LessOrEqual(t, e.svc.embedCalls.Load(), int64(2))
	assert.GreaterOrEqual(t, e.svc.embedCalls.Load(), int64(1))
}

func TestCircuitOpensAndBlocksOutbound(t *testing.T) {
	e := newEnv(t)
	e.seedFile(t, "m.py")
	e.svc.failing.Store(true)

	// Three failing cycles trip the breaker (threshold 3).
	for i := 0; i < 3; i++ {
		_, err := e.w.Cycle(context.Background())
		require.NoError(t, err, "external failures must not propagate out of the worker")
	}
	assert.Equal(t, cerrors.StateOpen, e.w.Breaker().State())

	// While open: zero outbound calls.
	calls := e.svc.chunkCalls.Load() + e.svc.embedCalls.Load()
	for i := 0; i < 5; i++ {
		_, err := e.w.Cycle(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, calls, e.svc.chunkCalls.Load()+e.svc.embedCalls.Load())

	// The effective poll interval grows to the breaker backoff.
	assert.GreaterOrEqual(t, e.w.sleepFor(0), 5*time.Second)
}

func TestRebuildMatchesChunksAfterChunkRowsDeleted(t *testing.T) {
	e := newEnv(t)
	fileID := e.seedFile(t, "m.py")

	_, err := e.w.Cycle(context.Background())
	require.NoError(t, err)

	// Delete the chunk rows; any vectors already added for them are left
	// in the index without a backing row.
	_, err = e.client.Execute(context.Background(),
		`DELETE FROM code_chunks WHERE file_id = ?`, []any{fileID}, "")
	require.NoError(t, err)

	// Re-seed one chunk so the next cycle embeds it normally.
	_, err = e.client.Execute(context.Background(),
		`INSERT INTO code_chunks (file_id, source_type, text, dataset_id) VALUES (?, 'docstring', 'text here', 'default')`,
		[]any{fileID}, "")
	require.NoError(t, err)

	_, err = e.w.Cycle(context.Background())
	require.NoError(t, err)

	// Rebuild from DB: index must exactly match rows with vector_id.
	require.NoError(t, e.w.RebuildFromDB(context.Background()))

	rows, err := e.client.Select(context.Background(),
		`SELECT vector_id FROM code_chunks WHERE vector_id IS NOT NULL`, nil)
	require.NoError(t, err)

	ix, err := e.indexes.Get("P1", "default")
	require.NoError(t, err)
	assert.Equal(t, len(rows), ix.Count(),
		"after rebuild the index must hold exactly the chunks' vectors")
	for _, row := range rows {
		assert.True(t, ix.Contains(uint64(asInt(row["vector_id"]))))
	}
}

func TestRebuildPairPersists(t *testing.T) {
	e := newEnv(t)
	e.seedFile(t, "m.py")

	_, err := e.w.Cycle(context.Background())
	require.NoError(t, err)
	_, err = e.w.Cycle(context.Background())
	require.NoError(t, err)

	require.NoError(t, RebuildPair(context.Background(), e.client, e.indexes, "P1", "default"))

	// The persisted file can be loaded fresh and agrees with the DB.
	loaded, err := vector.Load(e.indexes.Path("P1", "default"))
	require.NoError(t, err)

	rows, err := e.client.Select(context.Background(),
		`SELECT COUNT(*) AS n FROM code_chunks WHERE vector_id IS NOT NULL`, nil)
	require.NoError(t, err)
	assert.Equal(t, int(asInt(rows[0]["n"])), loaded.Count())
}

func TestEmptyCycleSleepProgression(t *testing.T) {
	e := newEnv(t)
	e.w.cfg.MaxEmptyIterations = 3
	e.w.cfg.EmptyDelay = 100 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, e.w.sleepFor(0))
	assert.Equal(t, 100*time.Millisecond, e.w.sleepFor(0))
	assert.Equal(t, 30*time.Second, e.w.sleepFor(0), "after the empty streak the full poll interval applies")
	assert.Equal(t, 100*time.Millisecond, e.w.sleepFor(5), "work resets the streak")
}
