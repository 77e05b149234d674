// Package cmd implements the codeintel command line. Each long-running
// process (driver, watcher, workers) is its own subcommand so the worker
// manager can spawn them by re-executing this binary.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/config"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "codeintel",
	Short:         "Code-intelligence server",
	Long:          "Indexes source trees, stores structure and embeddings, and answers structural, full-text, and semantic queries.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"path to the configuration file")
}

// loadConfig loads and validates the configured file.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// setupProcessLogging wires per-process logging and returns its cleanup.
func setupProcessLogging(cfg *config.Config, explicit, name string) (func(), error) {
	_, cleanup, err := logging.Setup(logging.Config{
		Level:        "info",
		FilePath:     cfg.LogPath(explicit, name),
		MaxSizeMB:    10,
		MaxFiles:     5,
		MirrorStderr: false,
	})
	return cleanup, err
}

// signalContext returns a context cancelled on SIGTERM or SIGINT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}
