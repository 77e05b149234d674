package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/driver"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/journal"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Run the driver server owning the database write connection",
	RunE:  runDriver,
}

func init() {
	rootCmd.AddCommand(driverCmd)
}

func runDriver(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cleanup, err := setupProcessLogging(cfg, "", "database_driver")
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(cfg.CodeAnalysis.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var jnl *journal.Journal
	drv := cfg.CodeAnalysis.Database.Driver
	if drv.QueryLogPath != "" {
		jnl, err = journal.Open(drv.QueryLogPath, drv.QueryLogMaxBytes, drv.QueryLogBackupCount)
		if err != nil {
			return err
		}
	}

	handler := driver.NewHandler(st, jnl, drv.IndexFileInlineChunking)
	defer handler.Close()

	// A corrupt database still serves ping/status/repair; everything else
	// is refused until the operator repairs.
	if err := handler.Startup(); err != nil {
		slog.Error("startup integrity check failed, refusing traffic",
			slog.String("error", err.Error()))
	}

	ctx, stop := signalContext()
	defer stop()

	srv := driver.NewServer(driver.SocketPath(st.Path()), handler)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
