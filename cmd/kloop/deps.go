package main

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/kloop/internal/archive"
	"github.com/alfredjeanlab/kloop/internal/config"
	"github.com/alfredjeanlab/kloop/internal/events"
	"github.com/alfredjeanlab/kloop/internal/journal"
	"github.com/alfredjeanlab/kloop/internal/journal/postgres"
	"github.com/alfredjeanlab/kloop/internal/taskstatus"
	"github.com/alfredjeanlab/kloop/internal/worker"
)

func newProvider(cfg *config.Config) taskstatus.Provider {
	if cfg.Tracker.Backend == config.BackendHTTP {
		return taskstatus.NewHTTPProvider(cfg.Tracker.URL, cfg.Tracker.Token, cfg.Tracker.Actor)
	}
	return taskstatus.NewCLIProvider(cfg.Tracker.Bin)
}

func newWorker(cfg *config.Config) worker.Worker {
	return worker.NewCLIWorker(cfg.Worker.Bin,
		worker.WithArgs(cfg.Worker.Args...),
		worker.WithIdleTimeout(cfg.Worker.IdleTimeout.D()),
	)
}

// newJournal connects to Postgres when a database URL is configured. The
// journal is best-effort: a connection failure falls back to Noop.
func newJournal(ctx context.Context, cfg *config.Config, logger *slog.Logger) journal.Store {
	if cfg.DatabaseURL == "" {
		logger.Debug("journal disabled (KLOOP_DATABASE_URL not set)")
		return journal.Noop{}
	}
	store, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("journal unavailable, continuing without it", "err", err)
		return journal.Noop{}
	}
	logger.Info("journal enabled")
	return store
}

// newPublisher connects to NATS when a URL is configured.
func newPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		logger.Debug("events disabled (KLOOP_NATS_URL not set)")
		return &events.NoopPublisher{}
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		logger.Warn("NATS unavailable, events will not be mirrored", "err", err)
		return &events.NoopPublisher{}
	}
	logger.Info("events enabled", "nats_url", cfg.NATSURL)
	return pub
}

// newDestinations builds the archive targets for runID. A destination
// that cannot be created is logged and skipped.
func newDestinations(ctx context.Context, cfg *config.Config, runID string, logger *slog.Logger) []archive.Destination {
	var dests []archive.Destination
	if cfg.Archive.Dir != "" {
		d, err := archive.NewFileDestination(cfg.Archive.Dir, runID)
		if err != nil {
			logger.Error("failed to create archive file destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("archive file destination enabled", "path", d.Path())
		}
	}
	if cfg.Archive.S3Bucket != "" {
		d, err := archive.NewS3Destination(ctx, archive.S3Options{
			Bucket:   cfg.Archive.S3Bucket,
			Prefix:   cfg.Archive.S3Prefix,
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
		}, runID)
		if err != nil {
			logger.Error("failed to create archive S3 destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("archive S3 destination enabled", "object", d.String())
		}
	}
	return dests
}
