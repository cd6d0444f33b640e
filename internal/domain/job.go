package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// Multipart field names accepted by the upload endpoint.
const (
	FieldAudio      = "audio"
	FieldImages     = "images"
	FieldNotes      = "notes"
	FieldWebhookURL = "webhook_url"
)

var ErrEmptySubmission = errors.New("at least one input is required (audio, image, or text)")

type MediaFile struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ObjectKey   string `json:"object_key"`
	Size        int64  `json:"size"`
}

type Job struct {
	ID         string
	Status     string
	Audio      *MediaFile
	Images     []MediaFile
	Notes      string
	WebhookURL string
	Content    string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Inputs summarizes what a job was created from.
type Inputs struct {
	HasAudio   bool
	ImageCount int
	Notes      string
}

func (in Inputs) Validate() error {
	if !in.HasAudio && in.ImageCount == 0 && strings.TrimSpace(in.Notes) == "" {
		return ErrEmptySubmission
	}
	return nil
}

func (j Job) Inputs() Inputs {
	return Inputs{
		HasAudio:   j.Audio != nil,
		ImageCount: len(j.Images),
		Notes:      j.Notes,
	}
}

func (j Job) Pending() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing
}
