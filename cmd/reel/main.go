// reel plans and executes AI-asset generation pipelines against a
// content-addressed build store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/reelworks/reel/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	flagConfigDir string
	flagMovieID   string
)

func main() {
	root := &cobra.Command{
		Use:     "reel",
		Short:   "Workflow orchestration engine for AI-asset generation pipelines",
		Version: version.Full(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env from the config directory; missing files are fine.
			envPath := filepath.Join(flagConfigDir, ".env")
			if err := godotenv.Load(envPath); err == nil {
				slog.Debug("Loaded environment", "path", envPath)
			}
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfigDir, "config-dir",
		getEnv("CONFIG_DIR", "./config"), "Path to configuration directory")
	root.PersistentFlags().StringVar(&flagMovieID, "movie-id", "", "Movie id (generated when empty)")

	root.AddCommand(
		newQueryCommand(),
		newExecuteCommand(),
		newEditCommand(),
		newRecoverCommand(),
		newCancelCommand(),
		newServeCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
