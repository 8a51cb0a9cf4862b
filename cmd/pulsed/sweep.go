package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/pulse/internal/archive"
	"github.com/groblegark/pulse/internal/config"
	"github.com/groblegark/pulse/internal/events"
	"github.com/groblegark/pulse/internal/repository"
	"github.com/groblegark/pulse/internal/store/postgres"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass over stored task events",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()

		var archiver repository.Archiver
		if cfg.ArchiveS3Bucket != "" {
			a, err := archive.NewS3Archiver(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Prefix,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				return err
			}
			archiver = a
		}

		repo := repository.New(store, &events.NoopPublisher{}, nil, archiver, repository.Config{
			RetentionDays: cfg.RetentionDays,
		}, logger)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		deleted, err := repo.TruncateEvents(ctx)
		repo.Close(context.Background())
		if err != nil {
			return err
		}
		logger.Info("sweep complete", "deleted", deleted)
		return nil
	},
}
