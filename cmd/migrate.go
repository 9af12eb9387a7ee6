package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-expand/internal/database/postgres"
	"github.com/kozaktomas/face-expand/internal/database/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded schema migrations to the configured database.
With DATABASE_URL unset the SQLite schema is created at SQLITE_PATH.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadRuntime()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if cfg.Database.URL == "" {
		store, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Printf("SQLite schema ready at %s\n", cfg.Database.SQLitePath)
		return nil
	}

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := pool.Migrate(ctx)
	for _, v := range applied {
		fmt.Printf("Applied %s\n", v)
	}
	if err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("Database is up to date")
	}
	return nil
}
