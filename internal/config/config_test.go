package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

const validYAML = `
server:
  host: 127.0.0.1
  port: 8765
code_analysis:
  storage:
    db_path: data/code.db
    faiss_dir: data/faiss
    locks_dir: data/locks
    logs_dir: logs
  database:
    driver:
      query_log_path: logs/database_queries.jsonl
  worker:
    enabled: true
    poll_interval: 15
    embedding:
      service_url: http://localhost:9670
      model: test-embed
      dimensions: 8
  file_watcher:
    enabled: true
    scan_interval: 30
    watch_dirs:
      - id: 6d1f7f6e-8b83-4f1e-9a57-0e1f9f3f8e11
        path: /w
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadResolvesPathsRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, validYAML)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "data", "code.db"), cfg.CodeAnalysis.Storage.DBPath)
	assert.Equal(t, filepath.Join(dir, "data", "faiss"), cfg.CodeAnalysis.Storage.FaissDir)
	assert.Equal(t, filepath.Join(dir, "data", "locks"), cfg.CodeAnalysis.Storage.LocksDir)
	assert.Equal(t, filepath.Join(dir, "logs", "database_queries.jsonl"),
		cfg.CodeAnalysis.Database.Driver.QueryLogPath)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	d := cfg.CodeAnalysis.Database.Driver
	assert.Equal(t, int64(104857600), d.QueryLogMaxBytes)
	assert.Equal(t, 5, d.QueryLogBackupCount)
	assert.False(t, d.IndexFileInlineChunking)

	cb := cfg.CodeAnalysis.Worker.CircuitBreaker
	assert.Equal(t, 5, cb.FailureThreshold)
	assert.Equal(t, float64(60), cb.RecoveryTimeout)
	assert.Equal(t, 2, cb.SuccessThreshold)
	assert.Equal(t, float64(5), cb.InitialBackoff)
	assert.Equal(t, float64(300), cb.MaxBackoff)
	assert.Equal(t, float64(2), cb.BackoffMultiplier)

	assert.Equal(t, 5, cfg.CodeAnalysis.IndexingWorker.BatchSize)
	assert.Equal(t, []string{".py", ".pyi"}, cfg.CodeAnalysis.FileWatcher.Extensions)
	assert.Equal(t, "default", cfg.CodeAnalysis.Worker.Embedding.Dataset)
}

func TestLoadRejectsStringWatchDir(t *testing.T) {
	bad := `
code_analysis:
  storage: {db_path: d.db, faiss_dir: f, locks_dir: l}
  file_watcher:
    watch_dirs:
      - /just/a/string
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindConfig, cerrors.KindOf(err))
}

func TestLoadRejectsNonUUIDWatchDirID(t *testing.T) {
	bad := `
code_analysis:
  storage: {db_path: d.db, faiss_dir: f, locks_dir: l}
  file_watcher:
    watch_dirs:
      - id: not-a-uuid
        path: /w
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UUIDv4")
}

func TestLoadRejectsRelativeWatchDirPath(t *testing.T) {
	bad := `
code_analysis:
  storage: {db_path: d.db, faiss_dir: f, locks_dir: l}
  file_watcher:
    watch_dirs:
      - id: 6d1f7f6e-8b83-4f1e-9a57-0e1f9f3f8e11
        path: relative/dir
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestLoadRejectsMissingStorage(t *testing.T) {
	_, err := Load(writeConfig(t, "server: {port: 1}\n"))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindConfig, cerrors.KindOf(err))
	assert.Contains(t, err.Error(), "db_path")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, cerrors.KindConfig, cerrors.KindOf(err))
}

func TestWorkerRequiresServiceURL(t *testing.T) {
	bad := `
code_analysis:
  storage: {db_path: d.db, faiss_dir: f, locks_dir: l}
  worker:
    enabled: true
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service_url")
}

func TestLogPathFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t,
		filepath.Join(cfg.CodeAnalysis.Storage.LogsDir, "file_watcher.log"),
		cfg.LogPath("", "file_watcher"))
	assert.Equal(t, "/explicit.log", cfg.LogPath("/explicit.log", "file_watcher"))
}
