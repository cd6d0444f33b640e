package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/dunamismax/notetaker/internal/pipeline"
	"github.com/dunamismax/notetaker/internal/queue"
	"github.com/dunamismax/notetaker/internal/store"
	"github.com/dunamismax/notetaker/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestHandleSynthesizeNotesStoresContent(t *testing.T) {
	jobStore := seededStore(t, "job-1")
	hooks := &captureWebhook{}
	proc := &fakeProcessor{result: pipeline.Result{Content: "# Notes", ObjectKey: "notes/job-1.md", InputParts: 2, InputBytes: 10}}
	s := newTestServer(jobStore, proc, hooks)

	task := newTask(t, queue.SynthesizeNotesPayload{JobID: "job-1", Notes: "n", WebhookURL: "http://hooks.test/notes"})
	if err := s.handleSynthesizeNotes(context.Background(), task); err != nil {
		t.Fatalf("handleSynthesizeNotes returned error: %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
	if job.Content != "# Notes" {
		t.Fatalf("expected stored content, got %q", job.Content)
	}
	if proc.req.Notes != "n" {
		t.Fatalf("expected notes to reach the pipeline, got %q", proc.req.Notes)
	}
	if hooks.event != webhook.EventNotesCompleted {
		t.Fatalf("expected %s webhook, got %q", webhook.EventNotesCompleted, hooks.event)
	}
}

func TestHandleSynthesizeNotesPermanentFailure(t *testing.T) {
	jobStore := seededStore(t, "job-2")
	hooks := &captureWebhook{}
	proc := &fakeProcessor{err: fmt.Errorf("fetch stage: %w", pipeline.ErrUnsupportedMedia)}
	s := newTestServer(jobStore, proc, hooks)

	err := s.handleSynthesizeNotes(context.Background(), newTask(t, queue.SynthesizeNotesPayload{JobID: "job-2", WebhookURL: "http://hooks.test"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-2")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Error == "" {
		t.Fatal("expected failure reason to be stored")
	}
	if hooks.event != webhook.EventNotesFailed {
		t.Fatalf("expected %s webhook, got %q", webhook.EventNotesFailed, hooks.event)
	}
}

func TestHandleSynthesizeNotesTransientFailureOnFinalAttempt(t *testing.T) {
	jobStore := seededStore(t, "job-3")
	s := newTestServer(jobStore, &fakeProcessor{err: errors.New("model overloaded")}, nil)

	err := s.handleSynthesizeNotes(context.Background(), newTask(t, queue.SynthesizeNotesPayload{JobID: "job-3"}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-3")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed outside of a retry budget, got %s", job.Status)
	}
}

func TestHandleSynthesizeNotesRejectsBadPayload(t *testing.T) {
	s := newTestServer(store.NewMemoryJobStore(), &fakeProcessor{}, nil)
	err := s.handleSynthesizeNotes(context.Background(), asynq.NewTask(queue.TypeSynthesizeNotes, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func newTestServer(jobStore store.JobStore, proc processor, hooks webhookSender) *Server {
	s := &Server{
		logger:    log.New(io.Discard, "", 0),
		sem:       make(chan struct{}, 1),
		processor: proc,
		jobStore:  jobStore,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("test"),
	}
	if hooks != nil {
		s.webhookClient = hooks
	}
	return s
}

func seededStore(t *testing.T, jobID string) *store.MemoryJobStore {
	t.Helper()
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        jobID,
		Status:    domain.JobStatusQueued,
		Notes:     "n",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return jobStore
}

func newTask(t *testing.T, payload queue.SynthesizeNotesPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewSynthesizeNotesTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

type fakeProcessor struct {
	result pipeline.Result
	err    error
	req    pipeline.Request
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request) (pipeline.Result, error) {
	p.req = req
	return p.result, p.err
}

type captureWebhook struct {
	event string
}

func (c *captureWebhook) Send(_ context.Context, _, event string, _ any) error {
	c.event = event
	return nil
}
