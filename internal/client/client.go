// Package client talks to the notes API: it submits collected inputs as one
// multipart upload and polls for the generated notes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	uploadPath = "/api/v1/upload"
	notesPath  = "/api/v1/notes/"

	defaultPollInterval = 2 * time.Second
	maxResponseBytes    = 16 << 20
	maxErrorBodyBytes   = 4 << 10
)

var ErrPollExhausted = errors.New("poll budget exhausted before notes were ready")

// StatusError is returned by Submit when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

type Submission struct {
	Audio      *Attachment
	Images     []Attachment
	Notes      string
	WebhookURL string
}

type JobHandle struct {
	ID      string
	Status  string
	Message string
}

type ResultKind int

const (
	ResultPending ResultKind = iota
	ResultReady
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultReady:
		return "ready"
	case ResultFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Result is the outcome of one notes lookup.
type Result struct {
	Kind       ResultKind
	Notes      domain.NoteResponse
	Reason     string
	StatusCode int
}

type Config struct {
	BaseURL string
	// Timeout bounds each HTTP request, including the upload body.
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxAttempts and MaxWait bound Poll. Zero means unlimited.
	MaxAttempts int
	MaxWait     time.Duration
}

type Client struct {
	baseURL         string
	httpClient      *http.Client
	pollInterval    time.Duration
	maxPollInterval time.Duration
	maxAttempts     int
	maxWait         time.Duration
	logger          *log.Logger
	tracer          trace.Tracer
}

func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Client{
		baseURL:         strings.TrimRight(base.String(), "/"),
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		pollInterval:    pollInterval,
		maxPollInterval: max(cfg.MaxPollInterval, pollInterval),
		maxAttempts:     max(cfg.MaxAttempts, 0),
		maxWait:         max(cfg.MaxWait, 0),
		logger:          logger,
		tracer:          otel.Tracer("notetaker/client"),
	}, nil
}

// Submit uploads the submission as a single multipart request. It never retries.
func (c *Client) Submit(ctx context.Context, sub Submission) (JobHandle, error) {
	ctx, span := c.tracer.Start(ctx, "client.submit", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.Bool("submission.has_audio", sub.Audio != nil),
		attribute.Int("submission.images", len(sub.Images)),
		attribute.Int("submission.notes_length", len(sub.Notes)),
	)
	defer span.End()

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeSubmission(form, sub))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, body)
	if err != nil {
		body.CloseWithError(err)
		return JobHandle{}, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return JobHandle{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, "upload rejected")
		return JobHandle{}, statusErr
	}

	var out domain.UploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return JobHandle{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.JobID == "" {
		return JobHandle{}, errors.New("upload response is missing job_id")
	}
	span.SetAttributes(attribute.String("job.id", out.JobID))

	return JobHandle{ID: out.JobID, Status: out.Status, Message: out.Message}, nil
}

func writeSubmission(form *multipart.Writer, sub Submission) error {
	if sub.Audio != nil {
		if err := writeAttachment(form, domain.FieldAudio, *sub.Audio); err != nil {
			return err
		}
	}
	for _, image := range sub.Images {
		if err := writeAttachment(form, domain.FieldImages, image); err != nil {
			return err
		}
	}
	if err := form.WriteField(domain.FieldNotes, sub.Notes); err != nil {
		return fmt.Errorf("write notes field: %w", err)
	}
	if sub.WebhookURL != "" {
		if err := form.WriteField(domain.FieldWebhookURL, sub.WebhookURL); err != nil {
			return fmt.Errorf("write webhook field: %w", err)
		}
	}
	return form.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeAttachment(form *multipart.Writer, field string, a Attachment) error {
	if a.Open == nil {
		return fmt.Errorf("attachment %q has no content", a.Name)
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(a.Name)))
	header.Set("Content-Type", contentType)

	part, err := form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}

	src, err := a.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", a.Name, err)
	}
	defer src.Close()

	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy %s: %w", a.Name, err)
	}
	return nil
}

// Fetch performs a single notes lookup. Any non-2xx answer is Pending unless
// the body reports that the job failed.
func (c *Client) Fetch(ctx context.Context, jobID string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+notesPath+url.PathEscape(jobID), nil)
	if err != nil {
		return Result{}, fmt.Errorf("build notes request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch notes: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read notes response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var notReady domain.NotReadyResponse
		if json.Unmarshal(raw, &notReady) == nil && notReady.Status == domain.JobStatusFailed {
			reason := notReady.Error
			if reason == "" {
				reason = "note synthesis failed"
			}
			return Result{Kind: ResultFailed, Reason: reason, StatusCode: resp.StatusCode}, nil
		}
		return Result{Kind: ResultPending, StatusCode: resp.StatusCode}, nil
	}

	var notes domain.NoteResponse
	if err := json.Unmarshal(raw, &notes); err != nil {
		return Result{}, fmt.Errorf("decode notes: %w", err)
	}
	return Result{Kind: ResultReady, Notes: notes, StatusCode: resp.StatusCode}, nil
}

// Poll waits one interval, fetches, and repeats until the notes are ready,
// the job fails, the budget runs out, or ctx is done. At most one request is
// in flight at a time.
func (c *Client) Poll(ctx context.Context, jobID string) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "client.poll")
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	started := time.Now()
	interval := c.pollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}

		result, err := c.Fetch(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll failed")
			return Result{}, err
		}
		if result.Kind != ResultPending {
			span.SetAttributes(attribute.Int("poll.attempts", attempt), attribute.String("poll.result", result.Kind.String()))
			return result, nil
		}
		c.logger.Printf("still processing job_id=%s attempt=%d status=%d", jobID, attempt, result.StatusCode)

		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			return result, fmt.Errorf("%w: %d attempts", ErrPollExhausted, attempt)
		}

		interval = c.nextInterval(interval)
		if c.maxWait > 0 {
			remaining := c.maxWait - time.Since(started)
			if remaining <= 0 {
				return result, fmt.Errorf("%w: waited %s", ErrPollExhausted, c.maxWait)
			}
			interval = min(interval, remaining)
		}
		timer.Reset(interval)
	}
}

func (c *Client) nextInterval(current time.Duration) time.Duration {
	return min(current*2, c.maxPollInterval)
}
