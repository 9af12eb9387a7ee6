package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume expansion jobs from the Redis queue",
	Long: `Run expansion jobs submitted by API servers sharing the same Redis
instance. Tasks left behind by a crashed worker are requeued on start.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Queue.Backend != "redis" {
		return errors.New("worker requires QUEUE_BACKEND=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger, backendOptions{hnsw: true})
	if err != nil {
		return err
	}
	defer b.Close()

	logger.Info("worker started", zap.Int("workers", cfg.Queue.Workers))
	if err := b.consumer.Run(ctx); err != nil {
		return err
	}
	logger.Info("worker stopped")
	b.saveHNSWIndex(context.Background(), logger)
	return nil
}
