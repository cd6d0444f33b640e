package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/notetaker/internal/config"
	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/dunamismax/notetaker/internal/pipeline"
	"github.com/dunamismax/notetaker/internal/queue"
	"github.com/dunamismax/notetaker/internal/storage"
	"github.com/dunamismax/notetaker/internal/store"
	"github.com/dunamismax/notetaker/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     processor
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	processor *pipeline.Processor,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
) (*Server, error) {
	if processor == nil {
		return nil, fmt.Errorf("pipeline processor is required")
	}
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor: processor,
		jobStore:  jobStore,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("notetaker/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeSynthesizeNotes, s.handleSynthesizeNotes)
	return mux
}

// Run blocks until the process receives a termination signal.
func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

// Start runs the consumer in the background, for embedding next to the API.
func (s *Server) Start() error {
	return s.server.Start(s.mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleSynthesizeNotes(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeFailed

	payload, err := queue.ParseSynthesizeNotesPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(payload.TraceCarrier))
	ctx, span := s.tracer.Start(ctx, "worker.synthesize_notes", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.Bool("job.has_audio", payload.Audio != nil),
		attribute.Int("job.images", len(payload.Images)),
		attribute.Int("job.notes_length", len(payload.Notes)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		outcome = outcomeRetrying
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s audio=%t images=%d notes_len=%d",
		payload.JobID,
		payload.Audio != nil,
		len(payload.Images),
		len(payload.Notes),
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	result, err := s.processor.Process(ctx, pipeline.Request{
		JobID:  payload.JobID,
		Audio:  payload.Audio,
		Images: payload.Images,
		Notes:  payload.Notes,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")

		permanent := isPermanent(err)
		if !permanent && !finalAttempt(ctx) {
			outcome = outcomeRetrying
			s.logger.Printf("synthesis attempt failed, will retry job_id=%s err=%v", payload.JobID, err)
			return fmt.Errorf("run pipeline: %w", err)
		}

		s.failJob(ctx, payload.JobID, err)
		s.dispatchWebhook(ctx, payload, webhook.EventNotesFailed, map[string]any{
			"job_id":       payload.JobID,
			"status":       domain.JobStatusFailed,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
		})
		if permanent {
			return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run pipeline: %w", err)
	}

	if _, err := s.jobStore.Complete(ctx, payload.JobID, result.Content); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store notes failed")
		outcome = outcomeRetrying
		return fmt.Errorf("store notes: %w", err)
	}

	outcome = outcomeSucceeded
	s.logger.Printf("Synthesized job_id=%s parts=%d notes_bytes=%d object_key=%s", payload.JobID, result.InputParts, len(result.Content), result.ObjectKey)
	s.metrics.inputPartsTotal.Add(float64(result.InputParts))
	s.metrics.inputBytesTotal.Add(float64(result.InputBytes))
	s.metrics.notesBytesTotal.Add(float64(len(result.Content)))
	span.SetStatus(codes.Ok, "synthesized")

	s.dispatchWebhook(ctx, payload, webhook.EventNotesCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"notes_key":    result.ObjectKey,
	})
	return nil
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) failJob(ctx context.Context, jobID string, cause error) {
	if _, err := s.jobStore.Fail(ctx, jobID, cause.Error()); err != nil {
		s.logger.Printf("job fail update failed job_id=%s err=%v", jobID, err)
	}
}

// dispatchWebhook delivers job events best effort. The job outcome is already
// stored, so a delivery failure must not trigger a new synthesis attempt.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.SynthesizeNotesPayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailTotal.Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, pipeline.ErrUnsupportedMedia) ||
		errors.Is(err, pipeline.ErrNoMaterial) ||
		errors.Is(err, storage.ErrObjectNotFound)
}

// finalAttempt reports whether asynq will not retry the current task. Outside
// an asynq handler there is no retry budget, so every attempt is final.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}
