package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/catalog"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/journal"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/store"
)

var replayTarget string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the query journal into a target database",
	Long: "Re-executes every successful journal entry into the target " +
		"database. Offline tool: the target must not be served by a " +
		"running driver.",
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayTarget, "target", "", "target database path (required)")
	_ = replayCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	drv := cfg.CodeAnalysis.Database.Driver
	if drv.QueryLogPath == "" {
		return fmt.Errorf("no query journal configured (code_analysis.database.driver.query_log_path)")
	}

	target, err := store.Open(replayTarget)
	if err != nil {
		return err
	}
	defer target.Close()

	if _, err := catalog.Sync(target.DB()); err != nil {
		return err
	}

	stats, err := journal.Replay(drv.QueryLogPath, drv.QueryLogBackupCount, target)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d entries (%d skipped, %d failed) into %s\n",
		stats.Applied, stats.Skipped, stats.Failed, replayTarget)
	return nil
}
