package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/config"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/resolver"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/watcher"
)

var watcherCmd = &cobra.Command{
	Use:   "watcher",
	Short: "Run the file watcher: scan, delta, queue",
	RunE:  runWatcher,
}

func init() {
	rootCmd.AddCommand(watcherCmd)
}

func runWatcher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fw := cfg.CodeAnalysis.FileWatcher
	cleanup, err := setupProcessLogging(cfg, fw.LogPath, "file_watcher")
	if err != nil {
		return err
	}
	defer cleanup()

	client := dbclient.New(dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath))
	defer client.Close()

	dirs := make([]resolver.WatchDir, len(fw.WatchDirs))
	for i, wd := range fw.WatchDirs {
		dirs[i] = resolver.WatchDir{ID: wd.ID, Path: wd.Path}
	}

	w := watcher.New(watcher.Config{
		WatchDirs:    dirs,
		Extensions:   fw.Extensions,
		Ignore:       fw.Ignore,
		LocksDir:     cfg.CodeAnalysis.Storage.LocksDir,
		ScanInterval: config.Seconds(fw.ScanInterval),
	}, client)

	ctx, stop := signalContext()
	defer stop()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
