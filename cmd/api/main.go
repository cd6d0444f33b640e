package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/notetaker/internal/api"
	"github.com/dunamismax/notetaker/internal/bootstrap"
	"github.com/dunamismax/notetaker/internal/config"
	"github.com/dunamismax/notetaker/internal/queue"
	"github.com/dunamismax/notetaker/internal/ratelimit"
	"github.com/dunamismax/notetaker/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "notetaker-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	jobStore, closeJobStore, err := bootstrap.OpenJobStore(ctx, cfg.API.JobStore, cfg.Database)
	if err != nil {
		logger.Fatalf("open job store: %v", err)
	}
	defer func() {
		if err := closeJobStore(); err != nil {
			logger.Printf("job store close error: %v", err)
		}
	}()
	if cfg.API.JobStore == bootstrap.JobStoreMemory && !cfg.API.EmbedWorker {
		logger.Printf("memory job store without an embedded worker: notes will never complete")
	}

	media, err := bootstrap.OpenMedia(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("open media store: %v", err)
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		MaxUploadBytes:         cfg.API.MaxUploadBytes,
		RateLimitSubjectHeader: cfg.RateLimit.SubjectHeader,
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Printf("redis client close error: %v", err)
			}
		}()
		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatalf("create rate limiter: %v", err)
		}
		opts.RateLimiter = limiter
	}

	if cfg.API.EmbedWorker {
		embedded, err := bootstrap.NewWorker(ctx, cfg, log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix), media, jobStore)
		if err != nil {
			logger.Fatalf("create embedded worker: %v", err)
		}
		if err := embedded.Start(); err != nil {
			logger.Fatalf("start embedded worker: %v", err)
		}
		defer embedded.Shutdown()
	}

	app := api.NewServer(logger, queueClient, jobStore, media, opts)

	// ReadTimeout covers the whole multipart upload body.
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       10 * time.Minute,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Printf(
			"listening on %s job_store=%s media=%s queue=%s embed_worker=%t",
			cfg.API.Addr,
			cfg.API.JobStore,
			cfg.Storage.Backend,
			cfg.Queue.Name,
			cfg.API.EmbedWorker,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}
