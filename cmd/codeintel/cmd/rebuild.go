package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maverikod/vvz-code-analyzis-sub003/internal/dbclient"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/vector"
	"github.com/maverikod/vvz-code-analyzis-sub003/internal/worker/vectorize"
)

var (
	rebuildProject string
	rebuildDataset string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild a vector index from the database",
	Long: "Reconstructs the (project, dataset) vector index so that it " +
		"exactly matches the chunks with assigned vector ids. The database " +
		"is the source of truth; the index file is a cache.",
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildProject, "project", "", "project id (required)")
	rebuildCmd.Flags().StringVar(&rebuildDataset, "dataset", "default", "dataset id")
	_ = rebuildCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := dbclient.New(dbclient.NewConfig(cfg.CodeAnalysis.Storage.DBPath))
	defer client.Close()

	indexes := vector.NewManager(
		cfg.CodeAnalysis.Storage.FaissDir,
		cfg.CodeAnalysis.Worker.Embedding.Dimensions,
		vector.MetricCosine)

	if err := vectorize.RebuildPair(context.Background(), client, indexes,
		rebuildProject, rebuildDataset); err != nil {
		return err
	}

	ix, err := indexes.Get(rebuildProject, rebuildDataset)
	if err != nil {
		return err
	}
	fmt.Printf("rebuilt %s/%s: %d vectors -> %s\n",
		rebuildProject, rebuildDataset, ix.Count(),
		indexes.Path(rebuildProject, rebuildDataset))
	return nil
}
