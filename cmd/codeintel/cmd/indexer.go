package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/config"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/worker/indexing"
)

var indexerCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Run the indexing worker: recompute derived state for queued files",
	RunE:  runIndexer,
}

func init() {
	rootCmd.AddCommand(indexerCmd)
}

func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	iw := cfg.CodeAnalysis.IndexingWorker
	cleanup, err := setupProcessLogging(cfg, iw.LogPath, "indexing_worker")
	if err != nil {
		return err
	}
	defer cleanup()

	client := dbclient.New(dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath))
	defer client.Close()

	w := indexing.New(indexing.Config{
		PollInterval: config.Seconds(iw.PollInterval),
		BatchSize:    iw.BatchSize,
		StatusPath:   filepath.Join(cfg.CodeAnalysis.Storage.LogsDir, "indexing_worker.status"),
	}, client)

	ctx, stop := signalContext()
	defer stop()

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
