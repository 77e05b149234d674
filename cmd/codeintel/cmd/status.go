package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driver server status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	clientCfg := dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath)
	clientCfg.CallTimeout = 5 * time.Second
	clientCfg.ReconnectAttempts = 1
	client := dbclient.New(clientCfg)
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		fmt.Printf("driver: not running (%v)\n", err)
		return nil
	}

	fmt.Printf("driver:    running (pid %d, up %s)\n", status.PID, status.Uptime)
	fmt.Printf("database:  %s\n", status.DBPath)
	fmt.Printf("journal:   %v\n", status.Journal)
	fmt.Printf("refusing:  %v\n", status.Refusing)
	fmt.Printf("open tx:   %v\n", status.OpenTx)
	fmt.Printf("clients:   %d\n", status.Connected)
	return nil
}
