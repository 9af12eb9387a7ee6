package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/config"
	"github.com/kozaktomas/face-expand/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "face-expand",
	Short: "Expand labeled faces into reviewable identity suggestions",
	Long: `Face Expand samples prototype faces of a person, searches the face index
for similar unassigned faces and stores the best matches as pending
suggestions for review. Jobs run in the background and report progress
through a short-lived token.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadRuntime reads the configuration and builds the logger every command shares.
func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
