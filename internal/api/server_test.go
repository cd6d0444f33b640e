package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/dunamismax/notetaker/internal/queue"
	"github.com/dunamismax/notetaker/internal/ratelimit"
	"github.com/dunamismax/notetaker/internal/storage"
	"github.com/dunamismax/notetaker/internal/store"
	"github.com/hibiken/asynq"
)

const testJobID = "3f1c2b6e-8a4d-4f6b-9c1e-2d7a5b9e0f11"

func TestUploadStoresMediaAndEnqueues(t *testing.T) {
	srv, enq, jobStore, media := newTestServer(t, Options{})

	body, contentType := multipartBody(t, map[string][]string{
		domain.FieldAudio:  {"lecture.mp3"},
		domain.FieldImages: {"board 1.png", "board-2.jpg"},
	}, map[string]string{domain.FieldNotes: "remember the quiz"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "processing" || resp.Message != "Upload received and processing started" || resp.JobID == "" {
		t.Fatalf("unexpected upload response %+v", resp)
	}

	if len(enq.payloads) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(enq.payloads))
	}
	payload := enq.payloads[0]
	if payload.JobID != resp.JobID || payload.Notes != "remember the quiz" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Audio == nil || len(payload.Images) != 2 {
		t.Fatalf("expected audio and two images in payload, got %+v", payload)
	}

	for _, file := range append([]domain.MediaFile{*payload.Audio}, payload.Images...) {
		if !strings.HasPrefix(file.ObjectKey, "uploads/"+resp.JobID+"/") {
			t.Fatalf("expected object key under job upload dir, got %s", file.ObjectKey)
		}
		exists, err := media.Exists(context.Background(), file.ObjectKey)
		if err != nil || !exists {
			t.Fatalf("expected %s to be stored, exists=%t err=%v", file.ObjectKey, exists, err)
		}
	}

	job, ok, err := jobStore.Get(context.Background(), resp.JobID)
	if err != nil || !ok {
		t.Fatalf("expected job to be stored, ok=%t err=%v", ok, err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}
}

func TestUploadRejectsEmptySubmission(t *testing.T) {
	srv, enq, _, _ := newTestServer(t, Options{})

	body, contentType := multipartBody(t, nil, map[string]string{domain.FieldNotes: "   "})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(enq.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(enq.payloads))
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Options{MaxUploadBytes: 512})

	body, contentType := multipartBody(t, map[string][]string{domain.FieldAudio: {"long.wav"}}, map[string]string{
		domain.FieldNotes: strings.Repeat("x", 4096),
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadRejectsBadWebhookURL(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Options{})

	body, contentType := multipartBody(t, nil, map[string]string{
		domain.FieldNotes:      "n",
		domain.FieldWebhookURL: "ftp://example.com/hook",
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUploadEnqueueFailureMarksJobFailed(t *testing.T) {
	srv, enq, jobStore, _ := newTestServer(t, Options{})
	enq.err = errors.New("redis unavailable")

	body, contentType := multipartBody(t, nil, map[string]string{domain.FieldNotes: "n"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(jobStore.jobs) != 1 {
		t.Fatalf("expected one created job, got %d", len(jobStore.jobs))
	}
	for _, id := range jobStore.jobs {
		job, _, _ := jobStore.Get(context.Background(), id)
		if job.Status != domain.JobStatusFailed {
			t.Fatalf("expected failed job, got %s", job.Status)
		}
	}
}

func TestUploadCreateFailureRemovesStoredMedia(t *testing.T) {
	srv, enq, jobStore, media := newTestServer(t, Options{})
	jobStore.createErr = errors.New("database down")

	body, contentType := multipartBody(t, map[string][]string{
		domain.FieldAudio:  {"lecture.mp3"},
		domain.FieldImages: {"board.png"},
	}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(enq.payloads) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(enq.payloads))
	}
	if files := storedFiles(t, media.Root); len(files) != 0 {
		t.Fatalf("expected stored media to be removed, got %v", files)
	}
}

func TestUploadStoreFailureRemovesEarlierMedia(t *testing.T) {
	dir, err := storage.NewLocalDir(t.TempDir())
	if err != nil {
		t.Fatalf("create media dir: %v", err)
	}
	media := &failingMedia{LocalDir: dir, okPuts: 1}
	enq := &fakeEnqueuer{}
	jobStore := &recordingJobStore{MemoryJobStore: store.NewMemoryJobStore()}
	srv := NewServer(log.New(io.Discard, "", 0), enq, jobStore, media, Options{})

	body, contentType := multipartBody(t, map[string][]string{
		domain.FieldAudio:  {"lecture.mp3"},
		domain.FieldImages: {"board.png"},
	}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if media.puts != 2 {
		t.Fatalf("expected two store attempts, got %d", media.puts)
	}
	if len(jobStore.jobs) != 0 {
		t.Fatalf("expected no job to be created, got %v", jobStore.jobs)
	}
	if files := storedFiles(t, dir.Root); len(files) != 0 {
		t.Fatalf("expected stored audio to be removed, got %v", files)
	}
}

func TestGetNotesResponses(t *testing.T) {
	srv, _, jobStore, _ := newTestServer(t, Options{})

	seed := func(id, status, content, reason string) {
		now := time.Now().UTC()
		if err := jobStore.Create(context.Background(), domain.Job{ID: id, Status: status, Notes: "n", Content: content, Error: reason, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	pendingID := "11111111-1111-4111-8111-111111111111"
	failedID := "22222222-2222-4222-8222-222222222222"
	seed(pendingID, domain.JobStatusProcessing, "", "")
	seed(failedID, domain.JobStatusFailed, "", "unsupported media")
	seed(testJobID, domain.JobStatusSucceeded, "# Cells\n\nCells are the unit of life.\n\n## Organelles\n", "")

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{name: "malformed id", path: "/api/v1/notes/not-a-job", status: http.StatusBadRequest},
		{name: "unknown", path: "/api/v1/notes/33333333-3333-4333-8333-333333333333", status: http.StatusNotFound, check: func(t *testing.T, body []byte) {
			var resp domain.NotReadyResponse
			_ = json.Unmarshal(body, &resp)
			if resp.Status != "not_found" {
				t.Fatalf("expected not_found, got %+v", resp)
			}
		}},
		{name: "pending", path: "/api/v1/notes/" + pendingID, status: http.StatusNotFound, check: func(t *testing.T, body []byte) {
			var resp domain.NotReadyResponse
			_ = json.Unmarshal(body, &resp)
			if resp.Detail != "Notes not found or still processing" || resp.Status != domain.JobStatusProcessing {
				t.Fatalf("unexpected pending body %+v", resp)
			}
		}},
		{name: "failed", path: "/api/v1/notes/" + failedID, status: http.StatusUnprocessableEntity, check: func(t *testing.T, body []byte) {
			var resp domain.NotReadyResponse
			_ = json.Unmarshal(body, &resp)
			if resp.Status != domain.JobStatusFailed || resp.Error != "unsupported media" {
				t.Fatalf("unexpected failed body %+v", resp)
			}
		}},
		{name: "ready", path: "/api/v1/notes/" + testJobID, status: http.StatusOK, check: func(t *testing.T, body []byte) {
			var resp domain.NoteResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("decode notes: %v", err)
			}
			if resp.ID != testJobID || resp.Title != "Generated Notes" {
				t.Fatalf("unexpected notes header %+v", resp)
			}
			if resp.Summary != "Cells are the unit of life." {
				t.Fatalf("unexpected summary %q", resp.Summary)
			}
			if len(resp.Keywords) != 2 || resp.Keywords[0] != "Cells" || resp.Keywords[1] != "Organelles" {
				t.Fatalf("unexpected keywords %v", resp.Keywords)
			}
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if tc.check != nil {
				tc.check(t, rec.Body.Bytes())
			}
		})
	}
}

func TestGetNotesHTML(t *testing.T) {
	srv, _, jobStore, _ := newTestServer(t, Options{})
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{ID: testJobID, Status: domain.JobStatusSucceeded, Content: "Energy $E = mc^2$", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/notes/"+testJobID+"/html", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected html content type, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `<span class="math inline">\(E = mc^2\)</span>`) {
		t.Fatalf("expected rendered math, got %s", rec.Body.String())
	}
}

func TestHealthAndRootWithCORS(t *testing.T) {
	srv, _, _, _ := newTestServer(t, Options{})

	for _, path := range []string{"/", "/health", "/healthz"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Origin", "http://localhost:3000")
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("expected allow-all CORS for %s, got %q", path, got)
		}
	}
}

func TestUploadRateLimited(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2 * time.Second}}
	srv, enq, _, _ := newTestServer(t, Options{RateLimiter: limiter})

	body, contentType := multipartBody(t, nil, map[string]string{domain.FieldNotes: "n"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(enq.payloads) != 0 {
		t.Fatal("expected rejected upload not to be enqueued")
	}
	if !strings.HasSuffix(limiter.subject, ":/api/v1/upload") {
		t.Fatalf("expected subject scoped to upload route, got %q", limiter.subject)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reads to bypass rate limiting, got %d", rec.Code)
	}
}

func TestUploadRateLimitUsesSubjectHeader(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 4}}
	srv, _, _, _ := newTestServer(t, Options{RateLimiter: limiter, RateLimitSubjectHeader: "X-API-Key"})

	body, contentType := multipartBody(t, nil, map[string]string{domain.FieldNotes: "n"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", "team-a")
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if limiter.subject != "team-a:/api/v1/upload" {
		t.Fatalf("expected subject from header, got %q", limiter.subject)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/v1/notes/abc":      "/api/v1/notes/{job_id}",
		"/api/v1/notes/abc/html": "/api/v1/notes/{job_id}/html",
		"/api/v1/upload":         "/api/v1/upload",
		"/wp-admin":              "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("expected %s for %s, got %s", want, path, got)
		}
	}
}

type recordingJobStore struct {
	*store.MemoryJobStore
	jobs      []string
	createErr error
}

func (s *recordingJobStore) Create(ctx context.Context, job domain.Job) error {
	s.jobs = append(s.jobs, job.ID)
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryJobStore.Create(ctx, job)
}

// failingMedia stores the first okPuts objects and fails every later Put.
type failingMedia struct {
	*storage.LocalDir
	okPuts int
	puts   int
}

func (m *failingMedia) Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error {
	m.puts++
	if m.puts > m.okPuts {
		return errors.New("disk full")
	}
	return m.LocalDir.Put(ctx, objectKey, r, size, contentType)
}

func storedFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk media dir: %v", err)
	}
	return files
}

func newTestServer(t *testing.T, opts Options) (*Server, *fakeEnqueuer, *recordingJobStore, *storage.LocalDir) {
	t.Helper()
	media, err := storage.NewLocalDir(t.TempDir())
	if err != nil {
		t.Fatalf("create media dir: %v", err)
	}
	enq := &fakeEnqueuer{}
	jobStore := &recordingJobStore{MemoryJobStore: store.NewMemoryJobStore()}
	srv := NewServer(log.New(io.Discard, "", 0), enq, jobStore, media, opts)
	return srv, enq, jobStore, media
}

func multipartBody(t *testing.T, files map[string][]string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, names := range files {
		for _, name := range names {
			part, err := writer.CreateFormFile(field, name)
			if err != nil {
				t.Fatalf("create form file: %v", err)
			}
			_, _ = part.Write([]byte("content of " + name))
		}
	}
	for field, value := range fields {
		if err := writer.WriteField(field, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

type fakeEnqueuer struct {
	payloads []queue.SynthesizeNotesPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueSynthesizeNotes(_ context.Context, payload queue.SynthesizeNotesPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "notes"}, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	subject  string
}

func (f *fakeLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	f.subject = subject
	return f.decision, nil
}
