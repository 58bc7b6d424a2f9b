package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"geoattend/internal/config"
	"geoattend/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "geoattendctl",
	Short: "Operate a geoattend deployment",
	Long: `geoattendctl manages the geoattend database directly: it applies the
schema, bootstraps admin accounts, configures classroom zones and prints
the attendance log. It reads the same .env and environment as the API.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional
	_ = godotenv.Load()
}

// openDB loads configuration and connects to the configured database.
func openDB(ctx context.Context) (config.App, *store.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.App{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := store.NewDB(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return config.App{}, nil, fmt.Errorf("failed to connect to %s: %w", cfg.DBDriver, err)
	}
	return cfg, db, nil
}
