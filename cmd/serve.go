package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the Face Expand API server.
The server accepts expansion requests, streams job progress over SSE and
WebSocket, and serves suggestion review endpoints. With the Redis queue
backend it also consumes jobs unless --no-worker is given.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Bool("no-worker", false, "Do not consume the Redis queue in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, cfg, logger, backendOptions{hnsw: true})
	if err != nil {
		return err
	}
	defer b.Close()

	b.startJanitor(ctx, cfg.Progress.PollInterval*10)

	consumerDone := make(chan struct{})
	if b.consumer != nil && !mustGetBool(cmd, "no-worker") {
		go func() {
			defer close(consumerDone)
			if err := b.consumer.Run(ctx); err != nil {
				logger.Error("queue consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	server := web.NewServer(cfg, b.service, logger.Named("web"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		cancel()
	}()

	if err := server.Start(); err != nil {
		cancel()
		<-consumerDone
		return fmt.Errorf("starting server: %w", err)
	}

	<-consumerDone
	b.saveHNSWIndex(context.Background(), logger)
	return nil
}
