package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeSynthesizeNotes = "notes:synthesize"

type SynthesizeNotesPayload struct {
	JobID       string             `json:"job_id"`
	Audio       *domain.MediaFile  `json:"audio,omitempty"`
	Images      []domain.MediaFile `json:"images,omitempty"`
	Notes       string             `json:"notes"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
	// TraceCarrier holds W3C trace-context headers of the upload request.
	TraceCarrier map[string]string `json:"trace_carrier,omitempty"`
}

func NewSynthesizeNotesTask(payload SynthesizeNotesPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesize payload: %w", err)
	}
	return asynq.NewTask(TypeSynthesizeNotes, body), nil
}

func ParseSynthesizeNotesPayload(task *asynq.Task) (SynthesizeNotesPayload, error) {
	var payload SynthesizeNotesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SynthesizeNotesPayload{}, fmt.Errorf("unmarshal synthesize payload: %w", err)
	}
	if payload.JobID == "" {
		return SynthesizeNotesPayload{}, fmt.Errorf("synthesize payload is missing job_id")
	}
	return payload, nil
}
