package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dunamismax/notetaker/internal/domain"
)

var (
	ErrNoMaterial       = errors.New("job has no audio, images, or notes")
	ErrUnsupportedMedia = errors.New("unsupported media")
)

// MediaStore is satisfied by storage.Client and storage.LocalDir.
type MediaStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	Read(ctx context.Context, objectKey string) ([]byte, error)
	Remove(ctx context.Context, objectKey string) error
}

type Request struct {
	JobID  string
	Audio  *domain.MediaFile
	Images []domain.MediaFile
	Notes  string
}

// Part is one binary input handed to a synthesizer.
type Part struct {
	Name     string
	MIMEType string
	Data     []byte
}

type Material struct {
	Audio  *Part
	Images []Part
	Notes  string
}

func (m Material) Empty() bool {
	return m.Audio == nil && len(m.Images) == 0 && strings.TrimSpace(m.Notes) == ""
}

func (m Material) Bytes() int {
	total := len(m.Notes)
	if m.Audio != nil {
		total += len(m.Audio.Data)
	}
	for _, img := range m.Images {
		total += len(img.Data)
	}
	return total
}

type Result struct {
	Content    string
	ObjectKey  string
	InputParts int
	InputBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Material, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, material Material) (string, error)
}

type Emitter interface {
	Emit(ctx context.Context, jobID, content string) (string, error)
}

type Processor struct {
	fetcher     Fetcher
	synthesizer Synthesizer
	emitter     Emitter
}

func NewProcessor(media MediaStore, synthesizer Synthesizer) (*Processor, error) {
	if media == nil {
		return nil, errors.New("media store is required")
	}
	if synthesizer == nil {
		return nil, errors.New("synthesizer is required")
	}
	return &Processor{
		fetcher:     StoreFetcher{Store: media},
		synthesizer: synthesizer,
		emitter:     StoreEmitter{Store: media, OutputPrefix: "notes"},
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	material, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}
	if material.Empty() {
		return Result{}, ErrNoMaterial
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	content, err := p.synthesizer.Synthesize(ctx, material)
	if err != nil {
		return Result{}, fmt.Errorf("synthesize stage: %w", err)
	}

	objectKey, err := p.emitter.Emit(ctx, req.JobID, content)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	parts := len(material.Images)
	if material.Audio != nil {
		parts++
	}
	return Result{
		Content:    content,
		ObjectKey:  objectKey,
		InputParts: parts,
		InputBytes: material.Bytes(),
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
