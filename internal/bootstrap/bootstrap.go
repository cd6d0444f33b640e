// Package bootstrap builds the stores and the synthesis worker shared by the
// api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/dunamismax/notetaker/internal/config"
	"github.com/dunamismax/notetaker/internal/pipeline"
	"github.com/dunamismax/notetaker/internal/storage"
	"github.com/dunamismax/notetaker/internal/store"
	"github.com/dunamismax/notetaker/internal/webhook"
	"github.com/dunamismax/notetaker/internal/worker"
)

const (
	JobStoreMemory   = "memory"
	JobStorePostgres = "postgres"

	MediaBackendMinio = "minio"
	MediaBackendLocal = "local"
)

// OpenJobStore returns the configured job store and a function that releases it.
func OpenJobStore(ctx context.Context, kind string, db config.DatabaseConfig) (store.JobStore, func() error, error) {
	switch kind {
	case JobStoreMemory:
		return store.NewMemoryJobStore(), func() error { return nil }, nil
	case JobStorePostgres, "":
		pg, err := store.NewPostgresJobStore(ctx, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job store: %s", kind)
	}
}

func OpenMedia(ctx context.Context, cfg config.StorageConfig) (pipeline.MediaStore, error) {
	switch cfg.Backend {
	case MediaBackendLocal:
		return storage.NewLocalDir(cfg.LocalDir)
	case MediaBackendMinio, "":
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Endpoint,
			Access:   cfg.AccessKey,
			Secret:   cfg.SecretKey,
			Bucket:   cfg.Bucket,
			UseSSL:   cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported media backend: %s", cfg.Backend)
	}
}

// NewWorker wires the synthesizer, pipeline and webhook client into an asynq
// consumer. The caller decides whether to Run or Start it.
func NewWorker(ctx context.Context, cfg config.Config, logger *log.Logger, media pipeline.MediaStore, jobStore store.JobStore) (*worker.Server, error) {
	synth, err := pipeline.NewSynthesizer(ctx, cfg.Synth.Provider, cfg.Synth.Model, cfg.Synth.APIKey)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}

	processor, err := pipeline.NewProcessor(media, synth)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        cfg.Webhook.Timeout,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	return worker.NewServer(logger, cfg.Queue, cfg.Worker, processor, webhookClient, jobStore)
}
