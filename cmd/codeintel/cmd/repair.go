package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run the explicit database repair RPC on the driver",
	Long: "Reindexes and vacuums the database, re-runs the integrity check, " +
		"and clears the driver's refusal latch. This is the only way back " +
		"into service after a failed startup integrity check.",
	RunE: runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := dbclient.New(dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath))
	defer client.Close()

	if err := client.Repair(context.Background()); err != nil {
		return err
	}
	fmt.Println("database repaired")
	return nil
}
