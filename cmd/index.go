package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-expand/internal/database/postgres"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the in-memory face index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the HNSW face index from PostgreSQL",
	Long: `Discard the persisted HNSW face index and build it again from the faces
table. The result is written to HNSW_INDEX_PATH so servers load it on start.`,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Database.HNSWIndexPath == "" {
		return errors.New("HNSW_INDEX_PATH environment variable is required")
	}

	ctx := context.Background()
	pool, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	faces := postgres.NewStore(pool, logger.Named("postgres")).FaceRepository

	start := time.Now()
	fmt.Printf("Rebuilding face index into %s...\n", cfg.Database.HNSWIndexPath)
	if err := faces.RebuildHNSW(ctx, cfg.Database.HNSWIndexPath); err != nil {
		return fmt.Errorf("rebuilding face index: %w", err)
	}
	fmt.Printf("Face index rebuilt with %d faces in %s\n", faces.HNSWCount(), time.Since(start).Round(time.Millisecond))
	return nil
}
