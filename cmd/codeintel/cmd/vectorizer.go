package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/config"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/embedder"
	cerrors "github.com/maverikod/vvz-code-analyzis-sub003/internal/errors"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/vector"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/worker/vectorize"
)

var vectorizerCmd = &cobra.Command{
	Use:   "vectorizer",
	Short: "Run the vectorization worker: chunk, embed, index",
	RunE:  runVectorizer,
}

func init() {
	rootCmd.AddCommand(vectorizerCmd)
}

func runVectorizer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	wc := cfg.CodeAnalysis.Worker
	cleanup, err := setupProcessLogging(cfg, wc.LogPath, "vectorization_worker")
	if err != nil {
		return err
	}
	defer cleanup()

	client := dbclient.New(dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath))
	defer client.Close()

	svc := embedder.NewHTTPClient(
		wc.Embedding.ServiceURL,
		wc.Embedding.Model,
		config.Seconds(wc.Embedding.Timeout))

	indexes := vector.NewManager(
		cfg.CodeAnalysis.Storage.FaissDir,
		wc.Embedding.Dimensions,
		vector.MetricCosine)

	w := vectorize.New(vectorize.Config{
		PollInterval:       config.Seconds(wc.PollInterval),
		BatchSize:          wc.BatchSize,
		Dataset:            wc.Embedding.Dataset,
		MaxEmptyIterations: wc.BatchProcessor.MaxEmptyIterations,
		EmptyDelay:         config.Seconds(wc.BatchProcessor.EmptyDelay),
		Retry: cerrors.RetryConfig{
			MaxRetries:   wc.RetryAttempts,
			InitialDelay: config.Seconds(wc.RetryDelay),
			MaxDelay:     16 * config.Seconds(wc.RetryDelay),
			Multiplier:   2.0,
		},
		Breaker: cerrors.BreakerConfig{
			FailureThreshold:  wc.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:   config.Seconds(wc.CircuitBreaker.RecoveryTimeout),
			SuccessThreshold:  wc.CircuitBreaker.SuccessThreshold,
			InitialBackoff:    config.Seconds(wc.CircuitBreaker.InitialBackoff),
			MaxBackoff:        config.Seconds(wc.CircuitBreaker.MaxBackoff),
			BackoffMultiplier: wc.CircuitBreaker.BackoffMultiplier,
		},
		StatusPath: filepath.Join(cfg.CodeAnalysis.Storage.LogsDir, "vectorization_worker.status"),
	}, client, svc, indexes)

	ctx, stop := signalContext()
	defer stop()

	err = w.Run(ctx)

	// Persist indexes on the way out.
	_ = indexes.SaveAll()

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
