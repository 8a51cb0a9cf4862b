package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groblegark/pulse/internal/archive"
	"github.com/groblegark/pulse/internal/config"
	"github.com/groblegark/pulse/internal/events"
	"github.com/groblegark/pulse/internal/jobq"
	"github.com/groblegark/pulse/internal/pipeline"
	"github.com/groblegark/pulse/internal/repository"
	"github.com/groblegark/pulse/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event repository and pipeline workers",
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

		// Broker connections: one shared publisher, one shared subscriber
		// multiplexing per-trace subscriptions.
		var (
			publisher  events.Publisher
			subscriber events.Subscriber
		)
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			publisher = pub
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			subscriber = sub
			logger.Info("notifications enabled", "nats_url", cfg.NATSURL)
		} else {
			publisher = &events.NoopPublisher{}
			logger.Info("notifications disabled (PULSE_NATS_URL not set)")
		}

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
				logger.Error("failed to create S3 archiver", "err", err)
			} else {
				archiver = a
				logger.Info("retention archival enabled", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
			}
		}

		repo := repository.New(store, publisher, subscriber, archiver, repository.Config{
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.BatchInterval,
			RetentionDays: cfg.RetentionDays,
		}, logger)

		// Pipeline workers. Delivery and dispatcher invocation belong to
		// other subsystems; a logging stub keeps their jobs from failing.
		engine := pipeline.NewEngine(store, logger)
		worker := jobq.NewWorker(store, logger, jobq.WorkerConfig{})
		engine.RegisterHandlers(worker)
		worker.Handle(jobq.JobDeliverEvent, func(ctx context.Context, payload json.RawMessage) error {
			logger.Info("delivery requested", "payload", string(payload))
			return nil
		})
		worker.Handle(jobq.JobInvokeDispatcher, func(ctx context.Context, payload json.RawMessage) error {
			logger.Info("dispatcher invocation requested", "payload", string(payload))
			return nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		worker.Start(ctx)
		logger.Info("pulse started", "batch_size", cfg.BatchSize, "batch_interval", cfg.BatchInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		worker.Stop()
		cancel()
		logger.Info("worker stopped")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		repo.Close(shutdownCtx)
		logger.Info("repository flushed")

		if subscriber != nil {
			if err := subscriber.Close(); err != nil {
				logger.Error("error closing subscriber", "err", err)
			}
		}
		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
