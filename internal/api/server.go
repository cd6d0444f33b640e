package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/dunamismax/notetaker/internal/id"
	"github.com/dunamismax/notetaker/internal/pipeline"
	"github.com/dunamismax/notetaker/internal/queue"
	"github.com/dunamismax/notetaker/internal/render"
	"github.com/dunamismax/notetaker/internal/store"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxUploadBytes = 200 << 20
	multipartMemoryBytes  = 32 << 20
	cleanupTimeout        = 30 * time.Second

	uploadAcceptedMessage = "Upload received and processing started"
	welcomeMessage        = "Welcome to Multimodal AI Note-Taker API"
)

type Server struct {
	logger          *log.Logger
	queueClient     queueEnqueuer
	jobStore        store.JobStore
	media           mediaStore
	rateLimiter     RateLimiter
	rateLimitHeader string
	metrics         *metrics
	tracer          trace.Tracer
	maxUploadBytes  int64
	mux             *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueSynthesizeNotes(ctx context.Context, payload queue.SynthesizeNotesPayload) (*asynq.TaskInfo, error)
}

type mediaStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, objectKey string) error
}

type Options struct {
	MaxUploadBytes int64
	RateLimiter    RateLimiter
	// RateLimitSubjectHeader names a header that identifies the caller. The
	// client address is used when it is empty or absent from the request.
	RateLimitSubjectHeader string
}

func NewServer(logger *log.Logger, queueClient queueEnqueuer, jobStore store.JobStore, media mediaStore, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if media == nil {
		media = unavailableMediaStore{}
	}

	s := &Server{
		logger:          logger,
		queueClient:     queueClient,
		jobStore:        jobStore,
		media:           media,
		rateLimiter:     opts.RateLimiter,
		rateLimitHeader: opts.RateLimitSubjectHeader,
		metrics:         newMetrics(),
		tracer:          otel.Tracer("notetaker/api"),
		maxUploadBytes:  opts.MaxUploadBytes,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s
}

type unavailableMediaStore struct{}

func (unavailableMediaStore) Put(_ context.Context, _ string, _ io.Reader, _ int64, _ string) error {
	return errors.New("media store is unavailable")
}

func (unavailableMediaStore) Remove(_ context.Context, _ string) error {
	return nil
}

func (s *Server) Handler() http.Handler {
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	})
	return corsHandler(s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealthz)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /api/v1/upload", s.handleUpload)
	s.mux.HandleFunc("GET /api/v1/notes/{job_id}", s.handleGetNotes)
	s.mux.HandleFunc("GET /api/v1/notes/{job_id}/html", s.handleGetNotesHTML)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	audioFiles := selectedFiles(r.MultipartForm.File[domain.FieldAudio])
	imageFiles := selectedFiles(r.MultipartForm.File[domain.FieldImages])
	notes := formValue(r.MultipartForm, domain.FieldNotes)
	webhookURL := strings.TrimSpace(formValue(r.MultipartForm, domain.FieldWebhookURL))

	if len(audioFiles) > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at most one audio file is accepted"})
		return
	}
	inputs := domain.Inputs{HasAudio: len(audioFiles) == 1, ImageCount: len(imageFiles), Notes: notes}
	if err := inputs.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validateWebhookURL(webhookURL); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusQueued,
		Notes:      notes,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	index := 0
	if len(audioFiles) == 1 {
		file, err := s.storeUpload(ctx, job.ID, index, audioFiles[0])
		if err != nil {
			s.logger.Printf("store audio failed job_id=%s err=%v", job.ID, err)
			s.removeUploads(job)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
			return
		}
		job.Audio = &file
		index++
	}
	for _, header := range imageFiles {
		file, err := s.storeUpload(ctx, job.ID, index, header)
		if err != nil {
			s.logger.Printf("store image failed job_id=%s err=%v", job.ID, err)
			s.removeUploads(job)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store upload"})
			return
		}
		job.Images = append(job.Images, file)
		index++
	}

	if err := s.jobStore.Create(ctx, job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		s.removeUploads(job)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	payload := queue.SynthesizeNotesPayload{
		JobID:        job.ID,
		Audio:        job.Audio,
		Images:       job.Images,
		Notes:        job.Notes,
		WebhookURL:   job.WebhookURL,
		RequestedAt:  now,
		TraceCarrier: carrier,
	}

	taskInfo, err := s.queueClient.EnqueueSynthesizeNotes(ctx, payload)
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		if _, failErr := s.jobStore.Fail(ctx, job.ID, "failed to enqueue job"); failErr != nil {
			s.logger.Printf("mark job failed failed job_id=%s err=%v", job.ID, failErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}

	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	s.metrics.observeUpload(job)
	s.logger.Printf(
		"upload accepted job_id=%s audio=%t images=%d notes_len=%d task_id=%s",
		job.ID,
		job.Audio != nil,
		len(job.Images),
		len(job.Notes),
		taskInfo.ID,
	)

	writeJSON(w, http.StatusAccepted, domain.UploadResponse{
		JobID:   job.ID,
		Status:  domain.JobStatusProcessing,
		Message: uploadAcceptedMessage,
	})
}

// removeUploads deletes the media already written for a job that was never
// created. It does not use the request context.
func (s *Server) removeUploads(job domain.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	files := job.Images
	if job.Audio != nil {
		files = append([]domain.MediaFile{*job.Audio}, files...)
	}
	for _, file := range files {
		if err := s.media.Remove(ctx, file.ObjectKey); err != nil {
			s.logger.Printf("remove upload failed job_id=%s key=%s err=%v", job.ID, file.ObjectKey, err)
		}
	}
}

func (s *Server) storeUpload(ctx context.Context, jobID string, index int, header *multipart.FileHeader) (domain.MediaFile, error) {
	file, err := header.Open()
	if err != nil {
		return domain.MediaFile{}, fmt.Errorf("open %s: %w", header.Filename, err)
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectKey := pipeline.UploadObjectKey(jobID, index, header.Filename)
	if err := s.media.Put(ctx, objectKey, file, header.Size, contentType); err != nil {
		return domain.MediaFile{}, fmt.Errorf("put %s: %w", objectKey, err)
	}
	return domain.MediaFile{
		Filename:    header.Filename,
		ContentType: contentType,
		ObjectKey:   objectKey,
		Size:        header.Size,
	}, nil
}

func (s *Server) handleGetNotes(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupNotes(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, domain.NewNoteResponse(job))
}

func (s *Server) handleGetNotesHTML(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupNotes(w, r)
	if !ok {
		return
	}
	page, err := render.Page(domain.NotesTitle, job.Content)
	if err != nil {
		s.logger.Printf("render notes failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render notes"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}

// lookupNotes writes the not-ready response itself and reports whether the
// job has notes to serve.
func (s *Server) lookupNotes(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("job_id")
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusBadRequest, domain.NotReadyResponse{Status: "invalid", Detail: "malformed job id"})
		return domain.Job{}, false
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.NotReadyResponse{Status: "not_found", Detail: "Notes not found"})
		return domain.Job{}, false
	}

	switch {
	case job.Status == domain.JobStatusFailed:
		writeJSON(w, http.StatusUnprocessableEntity, domain.NotReadyResponse{Status: domain.JobStatusFailed, Error: job.Error})
		return domain.Job{}, false
	case job.Pending():
		writeJSON(w, http.StatusNotFound, domain.NotReadyResponse{Status: job.Status, Detail: "Notes not found or still processing"})
		return domain.Job{}, false
	}
	return job, true
}

// selectedFiles drops the empty parts browsers send for untouched file inputs.
func selectedFiles(headers []*multipart.FileHeader) []*multipart.FileHeader {
	out := make([]*multipart.FileHeader, 0, len(headers))
	for _, header := range headers {
		if header.Filename == "" && header.Size == 0 {
			continue
		}
		out = append(out, header)
	}
	return out
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("webhook_url must be an absolute http(s) URL")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
