package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL string // PULSE_DATABASE_URL (required)
	NATSURL     string // PULSE_NATS_URL (optional, empty = no live notifications)

	// Repository settings
	BatchSize     int           // EVENTS_BATCH_SIZE (default 100)
	BatchInterval time.Duration // EVENTS_BATCH_INTERVAL in ms (default 1000)
	RetentionDays int           // EVENTS_DEFAULT_LOG_RETENTION (default 7)

	// Archive settings
	ArchiveS3Bucket   string // PULSE_ARCHIVE_S3_BUCKET (enables archival when set)
	ArchiveS3Endpoint string // PULSE_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string // PULSE_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Prefix   string // PULSE_ARCHIVE_S3_PREFIX (default "task-events")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:       os.Getenv("PULSE_DATABASE_URL"),
		NATSURL:           os.Getenv("PULSE_NATS_URL"),
		ArchiveS3Bucket:   os.Getenv("PULSE_ARCHIVE_S3_BUCKET"),
		ArchiveS3Endpoint: os.Getenv("PULSE_ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Region:   envOrDefault("PULSE_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Prefix:   envOrDefault("PULSE_ARCHIVE_S3_PREFIX", "task-events"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("PULSE_DATABASE_URL is required")
	}

	var err error
	if c.BatchSize, err = envInt("EVENTS_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	intervalMS, err := envInt("EVENTS_BATCH_INTERVAL", 1000)
	if err != nil {
		return nil, err
	}
	c.BatchInterval = time.Duration(intervalMS) * time.Millisecond
	if c.RetentionDays, err = envInt("EVENTS_DEFAULT_LOG_RETENTION", 7); err != nil {
		return nil, err
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
