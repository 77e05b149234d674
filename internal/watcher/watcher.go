// Package watcher implements the file watcher process: a periodic scan of
// every watch dir, a delta against the authoritative file list in the
// database, and batched queue writes flipping needs_chunking. No downstream
// work happens synchronously.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/resolver"
)

// mtimeTolerance is the comparison slack between disk mtime and the stored
// Unix float; differences within it are not changes.
const mtimeTolerance = 0.1

// busySleep is the short sleep after a cycle that wrote something.
const busySleep = 2 * time.Second

// Config configures a watcher.
type Config struct {
	WatchDirs    []resolver.WatchDir
	Extensions   []string
	Ignore       []string
	LocksDir     string
	ScanInterval time.Duration
}

// Watcher runs scan cycles against the driver through the client library.
type Watcher struct {
	cfg      Config
	client   *dbclient.Client
	resolver *resolver.Resolver

	// kick shortens the next sleep when the filesystem trigger fires.
	kick chan struct{}
}

// CycleStats aggregates one cycle's outcome.
type CycleStats struct {
	New     int
	Changed int
	Deleted int
}

// Total returns the number of rows written this cycle.
func (s CycleStats) Total() int {
	return s.New + s.Changed + s.Deleted
}

// New creates a watcher.
func New(cfg Config, client *dbclient.Client) *Watcher {
	return &Watcher{
		cfg:      cfg,
		client:   client,
		resolver: resolver.New(cfg.WatchDirs),
		kick:     make(chan struct{}, 1),
	}
}

// Run executes scan cycles until ctx is cancelled. A cycle that wrote
// nothing sleeps the full scan interval; a cycle with work sleeps briefly.
func (w *Watcher) Run(ctx context.Context) error {
	trigger, stopTrigger := w.startTrigger(ctx)
	defer stopTrigger()

	for {
		stats, err := w.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("scan cycle failed", slog.String("error", err.Error()))
		}

		sleep := w.cfg.ScanInterval
		if err == nil && stats.Total() > 0 {
			sleep = busySleep
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-trigger:
			// Filesystem activity: rescan soon, the scan stays authoritative.
		case <-time.After(sleep):
		}
	}
}

// Cycle runs one scan -> delta -> queue pass over every watch dir.
func (w *Watcher) Cycle(ctx context.Context) (CycleStats, error) {
	var total CycleStats

	for _, wd := range w.cfg.WatchDirs {
		if _, err := os.Stat(wd.Path); err != nil {
			slog.Warn("watch dir missing on disk", slog.String("path", wd.Path))
			continue
		}

		if err := w.registerWatchDir(ctx, wd); err != nil {
			return total, err
		}

		projects, errs := resolver.DiscoverProjects(wd)
		for _, derr := range errs {
			slog.Warn("project discovery", slog.String("error", derr.Error()))
		}

		files, err := scanDir(wd.Path, w.cfg.Extensions, w.cfg.Ignore)
		if err != nil {
			return total, err
		}

		// Bucket scanned files by project through the resolver; files
		// without a legal marker are not processed.
		perProject := make(map[string][]scannedResolution)
		for _, file := range files {
			res, rerr := w.resolver.Resolve(file.AbsPath)
			if rerr != nil {
				continue
			}
			perProject[res.ProjectID] = append(perProject[res.ProjectID], scannedResolution{
				file: file,
				res:  res,
			})
		}

		for _, project := range projects {
			if err := w.registerProject(ctx, project); err != nil {
				return total, err
			}

			stats, err := w.syncProject(ctx, wd, project, perProject[project.ID])
			if err != nil {
				return total, err
			}

			slog.Info(fmt.Sprintf("[SCAN END] per_project: %s new=%d changed=%d deleted=%d",
				project.ID, stats.New, stats.Changed, stats.Deleted))

			total.New += stats.New
			total.Changed += stats.Changed
			total.Deleted += stats.Deleted
		}
	}
	return total, nil
}

type scannedResolution struct {
	file scannedFile
	res  resolver.Resolution
}

// syncProject computes and applies the delta for one project under the
// per-watch-dir advisory lock. The lock file lives outside every watched
// tree so taking it cannot trigger a scan.
func (w *Watcher) syncProject(ctx context.Context, wd resolver.WatchDir, project resolver.Project, scanned []scannedResolution) (CycleStats, error) {
	lockPath := filepath.Join(w.cfg.LocksDir, project.ID, wd.ID+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return CycleStats{}, err
	}
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return CycleStats{}, err
	}
	defer func() { _ = lock.Unlock() }()

	// The authoritative list arrives as raw rows: last_modified is
	// compared as the stored Unix float, never reinterpreted.
	rows, err := w.client.SelectRaw(ctx,
		`SELECT id, relative_path, last_modified, deleted FROM files WHERE project_id = ?`,
		[]any{project.ID})
	if err != nil {
		return CycleStats{}, err
	}

	known := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		rel, _ := row["relative_path"].(string)
		known[rel] = row
	}

	var newFiles, changed []scannedResolution
	seen := make(map[string]bool, len(scanned))

	for _, sr := range scanned {
		rel := sr.res.RelativePath
		seen[rel] = true

		row, ok := known[rel]
		if !ok {
			newFiles = append(newFiles, sr)
			continue
		}

		dbMtime, _ := row["last_modified"].(float64)
		wasDeleted := asInt(row["deleted"]) != 0
		diff := sr.file.Mtime - dbMtime
		if diff < 0 {
			diff = -diff
		}
		if wasDeleted || diff > mtimeTolerance {
			changed = append(changed, sr)
		}
	}

	var deleted []map[string]any
	for rel, row := range known {
		if !seen[rel] && asInt(row["deleted"]) == 0 {
			deleted = append(deleted, row)
		}
	}

	stats := CycleStats{New: len(newFiles), Changed: len(changed), Deleted: len(deleted)}
	if stats.Total() == 0 {
		return stats, nil
	}

	// Queue phase: one batched transaction per project.
	sort.Slice(newFiles, func(i, j int) bool {
		return newFiles[i].res.RelativePath < newFiles[j].res.RelativePath
	})

	tx, err := w.client.Begin(ctx)
	if err != nil {
		return CycleStats{}, err
	}
	abort := func(err error) (CycleStats, error) {
		_ = w.client.Rollback(ctx, tx)
		return CycleStats{}, err
	}

	for _, sr := range newFiles {
		if _, err := w.client.Execute(ctx,
			`INSERT INTO files (project_id, watch_dir_id, relative_path, path, last_modified, needs_chunking, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, 0, ?)`,
			[]any{project.ID, wd.ID, sr.res.RelativePath, sr.file.AbsPath, sr.file.Mtime, nowUnix()}, tx); err != nil {
			return abort(err)
		}
	}
	for _, sr := range changed {
		if _, err := w.client.Execute(ctx,
			`UPDATE files SET last_modified = ?, needs_chunking = 1, deleted = 0, path = ?, updated_at = ?
			 WHERE project_id = ? AND relative_path = ?`,
			[]any{sr.file.Mtime, sr.file.AbsPath, nowUnix(), project.ID, sr.res.RelativePath}, tx); err != nil {
			return abort(err)
		}
	}
	for _, row := range deleted {
		if _, err := w.client.Execute(ctx,
			`UPDATE files SET deleted = 1, updated_at = ? WHERE id = ?`,
			[]any{nowUnix(), asInt(row["id"])}, tx); err != nil {
			return abort(err)
		}
	}

	if err := w.client.Commit(ctx, tx); err != nil {
		return abort(err)
	}
	return stats, nil
}

// registerWatchDir upserts the watch dir row.
func (w *Watcher) registerWatchDir(ctx context.Context, wd resolver.WatchDir) error {
	_, err := w.client.Execute(ctx,
		`INSERT INTO watch_dirs (id, absolute_path) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET absolute_path = excluded.absolute_path`,
		[]any{wd.ID, wd.Path}, "")
	return err
}

// registerProject upserts a discovered project. The marker id is canonical;
// the root path follows relocations.
func (w *Watcher) registerProject(ctx context.Context, p resolver.Project) error {
	_, err := w.client.Execute(ctx,
		`INSERT INTO projects (id, name, root_path, watch_dir_id, description) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, root_path = excluded.root_path,
		 watch_dir_id = excluded.watch_dir_id, description = excluded.description`,
		[]any{p.ID, p.Name, p.RootPath, p.WatchDirID, p.Description}, "")
	return err
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

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
