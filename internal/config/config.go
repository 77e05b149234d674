// Package config loads and validates the server configuration. Relative
// paths are resolved against the directory containing the config file, so a
// deployment can be moved as a unit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	CodeAnalysis CodeAnalysisConfig `yaml:"code_analysis"`

	// Dir is the absolute directory of the loaded config file. Set by Load.
	Dir string `yaml:"-"`
}

// ServerConfig configures the main process.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	LogDir         string `yaml:"log_dir"`
	AdvertisedHost string `yaml:"advertised_host"`
}

// CodeAnalysisConfig groups everything owned by the code-analysis core.
type CodeAnalysisConfig struct {
	Storage        StorageConfig        `yaml:"storage"`
	Database       DatabaseConfig       `yaml:"database"`
	Worker         WorkerConfig         `yaml:"worker"`
	FileWatcher    FileWatcherConfig    `yaml:"file_watcher"`
	IndexingWorker IndexingWorkerConfig `yaml:"indexing_worker"`
}

// StorageConfig locates the persistent artefacts.
type StorageConfig struct {
	DBPath   string `yaml:"db_path"`
	FaissDir string `yaml:"faiss_dir"`
	LocksDir string `yaml:"locks_dir"`
	LogsDir  string `yaml:"logs_dir"`
}

// DatabaseConfig configures the driver server.
type DatabaseConfig struct {
	Driver DriverConfig `yaml:"driver"`
}

// DriverConfig configures the driver process and its query journal.
type DriverConfig struct {
	// QueryLogPath is the journal path; empty disables the journal.
	QueryLogPath string `yaml:"query_log_path"`

	// QueryLogMaxBytes is the journal rotation budget (default 100 MiB).
	QueryLogMaxBytes int64 `yaml:"query_log_max_bytes"`

	// QueryLogBackupCount is the number of rotated journals kept.
	QueryLogBackupCount int `yaml:"query_log_backup_count"`

	// IndexFileInlineChunking makes index_file extract chunks inline for
	// small files instead of deferring to the vectorization worker.
	IndexFileInlineChunking bool `yaml:"index_file_inline_chunking"`
}

// WorkerConfig configures the vectorization worker.
type WorkerConfig struct {
	Enabled       bool    `yaml:"enabled"`
	PollInterval  float64 `yaml:"poll_interval"` // seconds
	BatchSize     int     `yaml:"batch_size"`
	RetryAttempts int     `yaml:"retry_attempts"`
	RetryDelay    float64 `yaml:"retry_delay"` // seconds

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	BatchProcessor BatchProcessorConfig `yaml:"batch_processor"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`

	LogPath string `yaml:"log_path"`
}

// CircuitBreakerConfig tunes the breaker guarding the external service.
type CircuitBreakerConfig struct {
	FailureThreshold  int     `yaml:"failure_threshold"`
	RecoveryTimeout   float64 `yaml:"recovery_timeout"` // seconds
	SuccessThreshold  int     `yaml:"success_threshold"`
	InitialBackoff    float64 `yaml:"initial_backoff"` // seconds
	MaxBackoff        float64 `yaml:"max_backoff"`     // seconds
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// BatchProcessorConfig tunes empty-iteration behaviour.
type BatchProcessorConfig struct {
	MaxEmptyIterations int     `yaml:"max_empty_iterations"`
	EmptyDelay         float64 `yaml:"empty_delay"` // seconds
}

// EmbeddingConfig locates the external chunker/embedder service.
type EmbeddingConfig struct {
	ServiceURL string  `yaml:"service_url"`
	Model      string  `yaml:"model"`
	Dimensions int     `yaml:"dimensions"`
	Timeout    float64 `yaml:"timeout"` // seconds, per call
	Dataset    string  `yaml:"dataset"`
}

// FileWatcherConfig configures the file watcher process.
type FileWatcherConfig struct {
	Enabled      bool       `yaml:"enabled"`
	ScanInterval float64    `yaml:"scan_interval"` // seconds
	LogPath      string     `yaml:"log_path"`
	WatchDirs    []WatchDir `yaml:"watch_dirs"`
	Extensions   []string   `yaml:"extensions"`
	Ignore       []string   `yaml:"ignore"`
}

// IndexingWorkerConfig configures the indexing worker process.
type IndexingWorkerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	PollInterval float64 `yaml:"poll_interval"` // seconds
	BatchSize    int     `yaml:"batch_size"`
	LogPath      string  `yaml:"log_path"`
}

// WatchDir is one configured watched directory. Only the map form
// {id: uuid4, path: absolute} is accepted; a bare string is rejected.
type WatchDir struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// UnmarshalYAML rejects the legacy string-only form.
func (w *WatchDir) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return fmt.Errorf("watch_dirs entry %q: string form is not accepted, use {id, path}", node.Value)
	}
	type plain WatchDir
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*w = WatchDir(p)
	return nil
}

// Load reads, resolves, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.KindConfig, err, "resolve config path %s", path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.KindConfig, err, "read config %s", abs)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cerrors.Wrapf(cerrors.KindConfig, err, "parse config %s", abs)
	}

	cfg.Dir = filepath.Dir(abs)
	cfg.applyDefaults()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := &c.CodeAnalysis.Database.Driver
	if d.QueryLogMaxBytes <= 0 {
		d.QueryLogMaxBytes = 104857600
	}
	if d.QueryLogBackupCount <= 0 {
		d.QueryLogBackupCount = 5
	}

	w := &c.CodeAnalysis.Worker
	if w.PollInterval <= 0 {
		w.PollInterval = 30
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 10
	}
	if w.RetryAttempts <= 0 {
		w.RetryAttempts = 3
	}
	if w.RetryDelay <= 0 {
		w.RetryDelay = 1
	}
	cb := &w.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = 5
	}
	if cb.RecoveryTimeout <= 0 {
		cb.RecoveryTimeout = 60
	}
	if cb.SuccessThreshold <= 0 {
		cb.SuccessThreshold = 2
	}
	if cb.InitialBackoff <= 0 {
		cb.InitialBackoff = 5
	}
	if cb.MaxBackoff <= 0 {
		cb.MaxBackoff = 300
	}
	if cb.BackoffMultiplier <= 1 {
		cb.BackoffMultiplier = 2
	}
	bp := &w.BatchProcessor
	if bp.MaxEmptyIterations <= 0 {
		bp.MaxEmptyIterations = 10
	}
	if bp.EmptyDelay <= 0 {
		bp.EmptyDelay = 1
	}
	if w.Embedding.Timeout <= 0 {
		w.Embedding.Timeout = 30
	}
	if w.Embedding.Dataset == "" {
		w.Embedding.Dataset = "default"
	}
	if w.Embedding.Dimensions <= 0 {
		w.Embedding.Dimensions = 768
	}

	fw := &c.CodeAnalysis.FileWatcher
	if fw.ScanInterval <= 0 {
		fw.ScanInterval = 60
	}
	if len(fw.Extensions) == 0 {
		fw.Extensions = []string{".py", ".pyi"}
	}

	iw := &c.CodeAnalysis.IndexingWorker
	if iw.PollInterval <= 0 {
		iw.PollInterval = 30
	}
	if iw.BatchSize <= 0 {
		iw.BatchSize = 5
	}
}

func (c *Config) resolvePaths() {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Dir, p)
	}

	c.Server.LogDir = resolve(c.Server.LogDir)
	if c.Server.LogDir == "" {
		c.Server.LogDir = filepath.Join(c.Dir, "logs")
	}

	s := &c.CodeAnalysis.Storage
	s.DBPath = resolve(s.DBPath)
	s.FaissDir = resolve(s.FaissDir)
	s.LocksDir = resolve(s.LocksDir)
	s.LogsDir = resolve(s.LogsDir)
	if s.LogsDir == "" {
		s.LogsDir = c.Server.LogDir
	}

	d := &c.CodeAnalysis.Database.Driver
	d.QueryLogPath = resolve(d.QueryLogPath)

	c.CodeAnalysis.Worker.LogPath = resolve(c.CodeAnalysis.Worker.LogPath)
	c.CodeAnalysis.FileWatcher.LogPath = resolve(c.CodeAnalysis.FileWatcher.LogPath)
	c.CodeAnalysis.IndexingWorker.LogPath = resolve(c.CodeAnalysis.IndexingWorker.LogPath)
}

// Validate checks the configuration. All failures carry KindConfig.
func (c *Config) Validate() error {
	if c.CodeAnalysis.Storage.DBPath == "" {
		return cerrors.New(cerrors.KindConfig, "code_analysis.storage.db_path is required")
	}
	if c.CodeAnalysis.Storage.FaissDir == "" {
		return cerrors.New(cerrors.KindConfig, "code_analysis.storage.faiss_dir is required")
	}
	if c.CodeAnalysis.Storage.LocksDir == "" {
		return cerrors.New(cerrors.KindConfig, "code_analysis.storage.locks_dir is required")
	}

	seen := make(map[string]string)
	for i, wd := range c.CodeAnalysis.FileWatcher.WatchDirs {
		if wd.ID == "" {
			return cerrors.Newf(cerrors.KindConfig, "watch_dirs[%d]: id is required", i)
		}
		if u, err := uuid.Parse(wd.ID); err != nil || u.Version() != 4 {
			return cerrors.Newf(cerrors.KindConfig, "watch_dirs[%d]: id %q is not a UUIDv4", i, wd.ID)
		}
		if wd.Path == "" {
			return cerrors.Newf(cerrors.KindConfig, "watch_dirs[%d]: path is required", i)
		}
		if !filepath.IsAbs(wd.Path) {
			return cerrors.Newf(cerrors.KindConfig, "watch_dirs[%d]: path %q must be absolute", i, wd.Path)
		}
		if prev, dup := seen[wd.Path]; dup {
			return cerrors.Newf(cerrors.KindConfig, "watch_dirs: path %q configured twice (%s, %s)", wd.Path, prev, wd.ID)
		}
		seen[wd.Path] = wd.ID
	}

	if c.CodeAnalysis.Worker.Enabled && c.CodeAnalysis.Worker.Embedding.ServiceURL == "" {
		return cerrors.New(cerrors.KindConfig, "code_analysis.worker.embedding.service_url is required when the worker is enabled")
	}
	return nil
}

// Seconds converts a float seconds config value to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LogPath returns the per-process log file path, falling back to
// {logs_dir}/{name}.log when the process has no explicit log_path.
func (c *Config) LogPath(explicit, name string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(c.CodeAnalysis.Storage.LogsDir, name+".log")
}
