// Package session collects note inputs and drives one submit-and-poll cycle at
// a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dunamismax/notetaker/internal/client"
	"github.com/dunamismax/notetaker/internal/domain"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Message is the user-facing text for s.
func (s Status) Message() string {
	switch s {
	case StatusUploading:
		return "Uploading..."
	case StatusProcessing:
		return "Synthesizing... (this may take a minute)"
	case StatusComplete:
		return "Notes ready"
	case StatusError:
		return "Something went wrong. Please check the backend."
	default:
		return "Your generated notes will appear here."
	}
}

var (
	ErrNoInput   = errors.New("please provide at least one input (audio, image, or text)")
	ErrBusy      = errors.New("a submission is already in progress")
	ErrJobFailed = errors.New("note synthesis failed")
)

type jobClient interface {
	Submit(ctx context.Context, sub client.Submission) (client.JobHandle, error)
	Poll(ctx context.Context, jobID string) (client.Result, error)
}

// Snapshot is a copy of the session state at one point in time.
type Snapshot struct {
	Status Status
	JobID  string
	Notes  *domain.NoteResponse
	Err    error
}

type Session struct {
	client jobClient

	mu         sync.Mutex
	audio      *client.Attachment
	images     []client.Attachment
	notesText  string
	webhookURL string
	status     Status
	jobID      string
	notes      *domain.NoteResponse
	err        error
	observers  []func(Snapshot)
}

func New(c jobClient) *Session {
	return &Session{
		client: c,
		status: StatusIdle,
	}
}

// SetAudio replaces the audio attachment. Nil clears it.
func (s *Session) SetAudio(a *client.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a == nil {
		s.audio = nil
		return
	}
	copied := *a
	s.audio = &copied
}

// SetImages replaces the whole image set.
func (s *Session) SetImages(images []client.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append([]client.Attachment(nil), images...)
}

func (s *Session) SetNotesText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notesText = text
}

func (s *Session) SetWebhookURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = url
}

// OnChange registers fn to be called after every status transition. Observers
// run on the goroutine that called Generate, outside the session lock.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CanSubmit reports whether Generate would start a new cycle right now.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !isBusy(s.status) && s.inputsLocked().Validate() == nil
}

// Generate submits the current inputs and blocks until the notes are ready,
// the job fails, polling gives up, or ctx is done. A new cycle discards the
// previous job id and notes.
func (s *Session) Generate(ctx context.Context) (domain.NoteResponse, error) {
	s.mu.Lock()
	if isBusy(s.status) {
		s.mu.Unlock()
		return domain.NoteResponse{}, ErrBusy
	}
	if s.inputsLocked().Validate() != nil {
		s.mu.Unlock()
		return domain.NoteResponse{}, ErrNoInput
	}
	sub := client.Submission{
		Audio:      s.audio,
		Images:     append([]client.Attachment(nil), s.images...),
		Notes:      s.notesText,
		WebhookURL: s.webhookURL,
	}
	s.status = StatusUploading
	s.jobID = ""
	s.notes = nil
	s.err = nil
	snap, observers := s.snapshotLocked(), s.observers
	s.mu.Unlock()
	notify(observers, snap)

	handle, err := s.client.Submit(ctx, sub)
	if err != nil {
		err = fmt.Errorf("submit: %w", err)
		s.fail(err)
		return domain.NoteResponse{}, err
	}

	s.update(func() {
		s.status = StatusProcessing
		s.jobID = handle.ID
	})

	result, err := s.client.Poll(ctx, handle.ID)
	if err != nil {
		err = fmt.Errorf("poll job %s: %w", handle.ID, err)
		s.fail(err)
		return domain.NoteResponse{}, err
	}

	switch result.Kind {
	case client.ResultReady:
		notes := result.Notes
		s.update(func() {
			s.status = StatusComplete
			s.notes = &notes
		})
		return notes, nil
	case client.ResultFailed:
		err = fmt.Errorf("%w: %s", ErrJobFailed, result.Reason)
	default:
		err = client.ErrPollExhausted
	}
	s.fail(err)
	return domain.NoteResponse{}, err
}

func (s *Session) fail(err error) {
	s.update(func() {
		s.status = StatusError
		s.err = err
	})
}

func (s *Session) update(mutate func()) {
	s.mu.Lock()
	mutate()
	snap, observers := s.snapshotLocked(), s.observers
	s.mu.Unlock()
	notify(observers, snap)
}

func (s *Session) inputsLocked() domain.Inputs {
	return domain.Inputs{
		HasAudio:   s.audio != nil,
		ImageCount: len(s.images),
		Notes:      s.notesText,
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{Status: s.status, JobID: s.jobID, Err: s.err}
	if s.notes != nil {
		notes := *s.notes
		snap.Notes = &notes
	}
	return snap
}

func notify(observers []func(Snapshot), snap Snapshot) {
	for _, fn := range observers {
		fn(snap)
	}
}

func isBusy(status Status) bool {
	return status == StatusUploading || status == StatusProcessing
}
