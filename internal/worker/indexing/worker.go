// Package indexing implements the indexing worker: it consumes files with
// needs_chunking=1 and asks the driver to recompute their derived state via
// index_file. Restart is owned by the worker manager, not by the worker.
package indexing

import (
	"context"
	"log/slog"
	"time"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/worker"
)

// hardCleanupAge is how long a soft-deleted file row survives before its
// derived state is purged and the row removed.
const hardCleanupAge = 24 * time.Hour

// Config tunes the indexing worker.
type Config struct {
	PollInterval time.Duration // default 30s
	BatchSize    int           // files per project per cycle, default 5
	StatusPath   string
}

// Worker is the indexing worker.
type Worker struct {
	cfg    Config
	client *dbclient.Client

	cycle       int64
	backoff     worker.Backoff
	lastCleanup time.Time
}

// New creates an indexing worker.
func New(cfg Config, client *dbclient.Client) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	return &Worker{cfg: cfg, client: client}
}

// Run executes cycles until ctx is cancelled. Failures inside a cycle are
// logged (guarded), backed off, and never end the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		indexed, err := w.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("indexing cycle failed", slog.String("error", err.Error()))
			worker.Sleep(ctx, w.backoff.Next())
			continue
		}
		w.backoff.Reset()

		if indexed == 0 {
			worker.Sleep(ctx, w.cfg.PollInterval)
		}
	}
}

// Cycle processes one batch per pending project and returns the number of
// files indexed.
func (w *Worker) Cycle(ctx context.Context) (int, error) {
	w.cycle++
	stat := worker.CycleStat{Worker: "indexing", Cycle: w.cycle, StartedAt: time.Now()}
	defer func() {
		stat.FinishedAt = time.Now()
		worker.Record(ctx, w.client, stat)
		worker.WriteStatus(w.cfg.StatusPath, stat)
	}()

	rows, err := w.client.Select(ctx,
		`SELECT COUNT(*) AS n FROM files WHERE deleted = 0 AND needs_chunking = 1`, nil)
	if err != nil {
		return 0, err
	}
	if asInt(rows[0]["n"]) == 0 {
		w.hardCleanup(ctx)
		return 0, nil
	}

	projects, err := w.client.Select(ctx,
		`SELECT DISTINCT project_id FROM files WHERE deleted = 0 AND needs_chunking = 1`, nil)
	if err != nil {
		return 0, err
	}

	for _, project := range projects {
		projectID, _ := project["project_id"].(string)

		batch, err := w.client.Select(ctx,
			`SELECT id, path FROM files
			 WHERE project_id = ? AND deleted = 0 AND needs_chunking = 1
			 ORDER BY updated_at ASC LIMIT ?`,
			[]any{projectID, w.cfg.BatchSize})
		if err != nil {
			return stat.Items, err
		}

		for _, row := range batch {
			path, _ := row["path"].(string)

			_, err := w.client.IndexFile(ctx, path, projectID)
			switch {
			case err == nil:
				stat.Items++
			case cerrors.IsKind(err, cerrors.KindFs):
				// Vanished between queue and index; the watcher will
				// mark it deleted. Skip silently.
			case cerrors.IsKind(err, cerrors.KindParse):
				// Recorded by the driver; the flag is already cleared.
				stat.Errors++
			default:
				stat.Errors++
				return stat.Items, err
			}
		}
	}
	return stat.Items, nil
}

// hardCleanup purges long-soft-deleted rows on idle cycles: derived state
// through clear_file_data, then the file row itself.
func (w *Worker) hardCleanup(ctx context.Context) {
	if time.Since(w.lastCleanup) < hardCleanupAge/24 {
		return
	}
	w.lastCleanup = time.Now()

	cutoff := float64(time.Now().Add(-hardCleanupAge).UnixNano()) / 1e9
	rows, err := w.client.Select(ctx,
		`SELECT id FROM files WHERE deleted = 1 AND updated_at < ?`, []any{cutoff})
	if err != nil {
		slog.Warn("hard cleanup query failed", slog.String("error", err.Error()))
		return
	}

	for _, row := range rows {
		fileID := asInt(row["id"])
		if err := w.client.ClearFileData(ctx, fileID); err != nil {
			slog.Warn("hard cleanup clear failed",
				slog.Int64("file_id", fileID), slog.String("error", err.Error()))
			continue
		}
		if _, err := w.client.Execute(ctx,
			`DELETE FROM files WHERE id = ? AND deleted = 1`, []any{fileID}, ""); err != nil {
			slog.Warn("hard cleanup delete failed",
				slog.Int64("file_id", fileID), slog.String("error", err.Error()))
		}
	}
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
