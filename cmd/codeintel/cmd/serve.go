package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/config"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the main process: spawn and supervise all workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// ConfigErr: exit before starting any worker.
		return err
	}

	cleanup, err := setupProcessLogging(cfg, "", "mcp_server")
	if err != nil {
		return err
	}
	defer cleanup()

	// Native crashes dump to the main log so analysts can bracket them.
	if crashFile, err := os.OpenFile(cfg.LogPath("", "mcp_server"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		_ = debug.SetCrashOutput(crashFile, debug.CrashOptions{})
	}

	mgr, err := manager.New(manager.Config{})
	if err != nil {
		return err
	}

	regs := buildRegistrations(cfg)
	if err := mgr.Start(regs); err != nil {
		mgr.Shutdown()
		return err
	}
	slog.Info("all workers started", slog.Int("count", len(regs)))

	ctx, stop := signalContext()
	defer stop()
	mgr.Monitor(ctx)

	slog.Info("shutting down")
	mgr.Shutdown()
	return nil
}

// buildRegistrations declares every worker process. The driver starts
// eagerly and first; every long-running worker registers a restart.
func buildRegistrations(cfg *config.Config) []manager.Registration {
	pidDir := filepath.Join(cfg.CodeAnalysis.Storage.LogsDir, "pids")
	reg := func(name string) manager.Registration {
		return manager.Registration{
			Name:    name,
			Args:    []string{name, "--config", configPath},
			LogPath: filepath.Join(cfg.CodeAnalysis.Storage.LogsDir, name+".out"),
			PIDPath: filepath.Join(pidDir, name+".pid"),
			Restart: true,
		}
	}

	regs := []manager.Registration{reg("driver")}
	if cfg.CodeAnalysis.FileWatcher.Enabled {
		regs = append(regs, reg("watcher"))
	}
	if cfg.CodeAnalysis.IndexingWorker.Enabled {
		regs = append(regs, reg("indexer"))
	}
	if cfg.CodeAnalysis.Worker.Enabled {
		regs = append(regs, reg("vectorizer"))
	}
	return regs
}
