// Package main is the entry point of the OTA updater daemon and its CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"otaupdater/internal/cli"
	"otaupdater/internal/config"
	"otaupdater/internal/database"
	"otaupdater/internal/logging"
	"otaupdater/internal/migrations"
)

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil {
		logging.Debug("No .env file found or error loading it: %v", err)
	}

	cfg, err := config.Load(os.Getenv("OTA_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := cli.NewManagerAdapter("http://"+cfg.ListenAddr, cli.Local{
		Serve: func(ctx context.Context) error {
			return serve(ctx, cfg)
		},
		Migrations: func(context.Context) ([]migrations.State, error) {
			db, err := database.Open(cfg.DatabasePath)
			if err != nil {
				return nil, err
			}
			defer db.Close()
			return migrations.Status(db)
		},
	})

	code := cli.ExecuteContext(ctx, os.Args[1:], manager, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
