// Package vectorize implements the vectorization worker: it extracts chunks
// for freshly indexed files through the external chunker, obtains
// embeddings, and lands vectors in both the database and the per-project
// vector index. All outbound calls pass through a circuit breaker.
package vectorize

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/embedder"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/vector"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/worker"
)

// saveEveryCycles is how often the vector indexes are persisted to disk.
const saveEveryCycles = 10

// rebuildEveryCycles is how often the indexes are rebuilt from the
// database, the source of truth.
const rebuildEveryCycles = 200

// Config tunes the vectorization worker.
type Config struct {
	PollInterval time.Duration // default 30s
	BatchSize    int           // default 10
	Dataset      string        // default "default"

	MaxEmptyIterations int           // consecutive empty cycles before long sleep
	EmptyDelay         time.Duration // short sleep between empty cycles

	Breaker cerrors.BreakerConfig

	// Retry governs the startup wait for the driver socket.
	Retry cerrors.RetryConfig

	StatusPath string
}

// Worker is the vectorization worker.
type Worker struct {
	cfg     Config
	client  *dbclient.Client
	svc     embedder.Service
	indexes *vector.Manager
	breaker *cerrors.CircuitBreaker

	cycle     int64
	emptyRuns int
	backoff   worker.Backoff
}

// New creates a vectorization worker.
func New(cfg Config, client *dbclient.Client, svc embedder.Service, indexes *vector.Manager) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Dataset == "" {
		cfg.Dataset = "default"
	}
	if cfg.MaxEmptyIterations <= 0 {
		cfg.MaxEmptyIterations = 10
	}
	if cfg.EmptyDelay <= 0 {
		cfg.EmptyDelay = time.Second
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		svc:     svc,
		indexes: indexes,
		breaker: cerrors.NewCircuitBreaker("chunker", cfg.Breaker),
	}
}

// Breaker exposes the circuit breaker state for tests and status.
func (w *Worker) Breaker() *cerrors.CircuitBreaker {
	return w.breaker
}

// Run executes cycles until ctx is cancelled. The driver may still be
// starting when the manager spawns this worker, so the first contact is
// retried.
func (w *Worker) Run(ctx context.Context) error {
	retry := w.cfg.Retry
	if retry.MaxRetries == 0 {
		retry = cerrors.DefaultRetryConfig()
	}
	if err := cerrors.Retry(ctx, retry, func() error { return w.client.Ping(ctx) }); err != nil {
		slog.Warn("driver not reachable yet", slog.String("error", err.Error()))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		processed, err := w.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("vectorization cycle failed", slog.String("error", err.Error()))
			worker.Sleep(ctx, w.backoff.Next())
			continue
		}
		w.backoff.Reset()

		worker.Sleep(ctx, w.sleepFor(processed))
	}
}

// sleepFor picks the next sleep: short after productive or freshly empty
// cycles, the poll interval after a long empty streak, and while the
// circuit is open the poll interval grows with the breaker's backoff.
func (w *Worker) sleepFor(processed int) time.Duration {
	interval := w.cfg.PollInterval
	if backoff := w.breaker.Backoff(); backoff > interval {
		interval = backoff
	}

	// An open circuit always waits the full (grown) interval.
	if w.breaker.State() == cerrors.StateOpen {
		w.emptyRuns = 0
		return interval
	}

	if processed > 0 {
		w.emptyRuns = 0
		return w.cfg.EmptyDelay
	}
	w.emptyRuns++
	if w.emptyRuns < w.cfg.MaxEmptyIterations {
		return w.cfg.EmptyDelay
	}
	return interval
}

// Cycle runs one pass: chunk extraction and embedding overlap so external
// I/O is not serialised behind DB and vector writes.
func (w *Worker) Cycle(ctx context.Context) (int, error) {
	w.cycle++
	stat := worker.CycleStat{Worker: "vectorization", Cycle: w.cycle, StartedAt: time.Now()}
	defer func() {
		stat.FinishedAt = time.Now()
		worker.Record(ctx, w.client, stat)
		worker.WriteStatus(w.cfg.StatusPath, stat)
	}()

	// While the circuit is open the worker issues zero outbound requests.
	if !w.breaker.Allow() {
		slog.Debug("circuit open, skipping outbound calls",
			slog.String("backoff", w.breaker.Backoff().String()))
		return 0, nil
	}

	var chunked, embedded int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := w.extractChunks(gctx)
		chunked = n
		return err
	})
	g.Go(func() error {
		n, err := w.embedPending(gctx)
		embedded = n
		return err
	})
	err := g.Wait()

	stat.Items = chunked + embedded
	if err != nil {
		stat.Errors++
		// External failures are absorbed here; they must never propagate
		// past this worker.
		if cerrors.IsKind(err, cerrors.KindExternal) {
			slog.Warn("external service unavailable",
				slog.String("state", w.breaker.State().String()),
				slog.String("error", err.Error()))
			return stat.Items, nil
		}
		return stat.Items, err
	}

	w.maintainIndexes(ctx)
	return stat.Items, nil
}

// extractChunks finds files whose chunks are stale (chunked_mtime missing
// or older than the file) and re-chunks them through the external service.
func (w *Worker) extractChunks(ctx context.Context) (int, error) {
	rows, err := w.client.Select(ctx,
		`SELECT f.id, f.last_modified, c.content
		 FROM files f JOIN code_content c ON c.file_id = f.id
		 WHERE f.deleted = 0 AND f.needs_chunking = 0
		   AND (f.chunked_mtime IS NULL OR f.chunked_mtime <> f.last_modified)
		 LIMIT ?`,
		[]any{w.cfg.BatchSize})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, row := range rows {
		fileID := asInt(row["id"])
		content, _ := row["content"].(string)
		mtime, _ := row["last_modified"].(float64)

		var pieces []embedder.ChunkPiece
		err := w.breaker.Execute(func() error {
			var cerr error
			pieces, cerr = w.svc.Chunk(ctx, content)
			return cerr
		})
		if err != nil {
			return processed, err
		}

		tx, err := w.client.Begin(ctx)
		if err != nil {
			return processed, err
		}
		ok := func() bool {
			if _, err = w.client.Execute(ctx,
				`DELETE FROM code_chunks WHERE file_id = ?`, []any{fileID}, tx); err != nil {
				return false
			}
			for _, piece := range pieces {
				if _, err = w.client.Execute(ctx,
					`INSERT INTO code_chunks (file_id, source_type, text, dataset_id)
					 VALUES (?, ?, ?, ?)`,
					[]any{fileID, piece.SourceType, piece.Text, w.cfg.Dataset}, tx); err != nil {
					return false
				}
			}
			_, err = w.client.Execute(ctx,
				`UPDATE files SET chunked_mtime = ? WHERE id = ?`, []any{mtime, fileID}, tx)
			return err == nil
		}()
		if !ok {
			_ = w.client.Rollback(ctx, tx)
			return processed, err
		}
		if err := w.client.Commit(ctx, tx); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// embedPending embeds chunks without vectors and registers them in the
// vector index. The vector_id lands on the chunk row in the same logical
// step; a failed row write removes the vector again so it can never be
// visible to searches the database does not back.
func (w *Worker) embedPending(ctx context.Context) (int, error) {
	rows, err := w.client.Select(ctx,
		`SELECT ch.id, ch.text, ch.embedding, ch.dataset_id, f.project_id
		 FROM code_chunks ch JOIN files f ON f.id = ch.file_id
		 WHERE ch.vector_id IS NULL AND f.deleted = 0
		 LIMIT ?`,
		[]any{w.cfg.BatchSize})
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// One outbound call per cycle batch, never one per chunk.
	var needEmbed []int
	var texts []string
	vectors := make([][]float32, len(rows))
	for i, row := range rows {
		if blob, ok := row["embedding"].(string); ok && blob != "" {
			// Embedding already present (JSON transports blobs as
			// base64 strings); decode and reuse it.
			if vec, derr := decodeTransportBlob(blob); derr == nil {
				vectors[i] = vec
				continue
			}
		}
		needEmbed = append(needEmbed, i)
		texts = append(texts, row["text"].(string))
	}

	if len(texts) > 0 {
		var embedded [][]float32
		err := w.breaker.Execute(func() error {
			var eerr error
			embedded, eerr = w.svc.Embed(ctx, texts)
			return eerr
		})
		if err != nil {
			return 0, err
		}
		for j, i := range needEmbed {
			vectors[i] = embedded[j]
		}
	}

	processed := 0
	for i, row := range rows {
		if vectors[i] == nil {
			continue
		}
		projectID, _ := row["project_id"].(string)
		datasetID, _ := row["dataset_id"].(string)
		if datasetID == "" {
			datasetID = w.cfg.Dataset
		}

		ix, err := w.indexes.Get(projectID, datasetID)
		if err != nil {
			return processed, err
		}
		vectorID, err := ix.AddVector(vectors[i])
		if err != nil {
			slog.Warn("vector rejected",
				slog.Int64("chunk_id", asInt(row["id"])),
				slog.String("error", err.Error()))
			continue
		}

		_, err = w.client.Execute(ctx,
			`UPDATE code_chunks SET embedding = ?, embedding_model = ?, vector_id = ? WHERE id = ?`,
			[]any{vector.EncodeVector(vectors[i]), w.svc.Model(), int64(vectorID), asInt(row["id"])}, "")
		if err != nil {
			// The chunk row did not take the id: the bare index is only
			// a cache, so the vector must disappear with it.
			ix.Remove(vectorID)
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// maintainIndexes persists indexes periodically and occasionally rebuilds
// them from the database to restore the index/chunks invariant.
func (w *Worker) maintainIndexes(ctx context.Context) {
	if w.cycle%rebuildEveryCycles == 0 {
		if err := w.RebuildFromDB(ctx); err != nil {
			slog.Warn("index rebuild failed", slog.String("error", err.Error()))
		}
		return
	}
	if w.cycle%saveEveryCycles == 0 {
		if err := w.indexes.SaveAll(); err != nil {
			slog.Warn("index save failed", slog.String("error", err.Error()))
		}
	}
}

// RebuildFromDB reconstructs every (project, dataset) index so that its
// vectors exactly equal the chunks with non-null vector_id.
func (w *Worker) RebuildFromDB(ctx context.Context) error {
	pairs, err := w.client.Select(ctx,
		`SELECT DISTINCT f.project_id, ch.dataset_id
		 FROM code_chunks ch JOIN files f ON f.id = ch.file_id
		 WHERE ch.vector_id IS NOT NULL`, nil)
	if err != nil {
		return err
	}

	for _, pair := range pairs {
		projectID, _ := pair["project_id"].(string)
		datasetID, _ := pair["dataset_id"].(string)
		if err := RebuildPair(ctx, w.client, w.indexes, projectID, datasetID); err != nil {
			return err
		}
	}
	return nil
}

// RebuildPair rebuilds one (project, dataset) index from the chunk rows and
// persists it. Shared with the offline rebuild command.
func RebuildPair(ctx context.Context, client *dbclient.Client, indexes *vector.Manager, projectID, datasetID string) error {
	rows, err := client.Select(ctx,
		`SELECT ch.vector_id, ch.embedding
		 FROM code_chunks ch JOIN files f ON f.id = ch.file_id
		 WHERE f.project_id = ? AND ch.dataset_id = ? AND ch.vector_id IS NOT NULL`,
		[]any{projectID, datasetID})
	if err != nil {
		return err
	}

	vectors := make(map[uint64][]float32, len(rows))
	for _, row := range rows {
		blob, ok := row["embedding"].(string)
		if !ok || blob == "" {
			continue
		}
		vec, err := decodeTransportBlob(blob)
		if err != nil {
			slog.Warn("skipping undecodable embedding",
				slog.Int64("vector_id", asInt(row["vector_id"])))
			continue
		}
		vectors[uint64(asInt(row["vector_id"]))] = vec
	}

	ix, err := indexes.Get(projectID, datasetID)
	if err != nil {
		return err
	}
	if err := ix.Rebuild(vectors); err != nil {
		return err
	}
	return indexes.Save(projectID, datasetID)
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
