package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/dunamismax/notetaker/internal/domain"
	"github.com/dunamismax/notetaker/internal/storage"
)

func TestProcessorFetchSynthesizeEmit(t *testing.T) {
	ctx := context.Background()
	media := newTestMedia(t)

	audio := domain.MediaFile{Filename: "lecture.mp3", ObjectKey: UploadObjectKey("job-1", 0, "lecture.mp3")}
	board := domain.MediaFile{Filename: "board.png", ObjectKey: UploadObjectKey("job-1", 1, "board.png"), ContentType: "application/octet-stream"}
	putObject(t, media, audio.ObjectKey, []byte("ID3-fake-audio"))
	putObject(t, media, board.ObjectKey, buildTestPNG(t, 32, 16))

	synth := &recordingSynthesizer{content: "# Eigenvalues\n\n$\\lambda$ scales $v$."}
	processor, err := NewProcessor(media, synth)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(ctx, Request{
		JobID:  "job-1",
		Audio:  &audio,
		Images: []domain.MediaFile{board},
		Notes:  "exam on friday",
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	got := synth.material
	if got.Audio == nil || got.Audio.MIMEType != "audio/mpeg" {
		t.Fatalf("expected audio/mpeg audio part, got %+v", got.Audio)
	}
	if len(got.Images) != 1 || got.Images[0].MIMEType != "image/png" {
		t.Fatalf("expected one image/png part, got %+v", got.Images)
	}
	if got.Notes != "exam on friday" {
		t.Fatalf("expected notes to reach synthesizer, got %q", got.Notes)
	}

	if result.ObjectKey != "notes/job-1.md" {
		t.Fatalf("expected notes/job-1.md, got %s", result.ObjectKey)
	}
	if result.InputParts != 2 {
		t.Fatalf("expected 2 input parts, got %d", result.InputParts)
	}
	stored, err := media.Read(ctx, result.ObjectKey)
	if err != nil {
		t.Fatalf("read emitted notes: %v", err)
	}
	if string(stored) != synth.content {
		t.Fatalf("expected emitted notes to match synthesized content, got %q", stored)
	}
}

func TestProcessorTextOnly(t *testing.T) {
	processor, err := NewProcessor(newTestMedia(t), EchoSynthesizer{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{JobID: "job-2", Notes: "Bayes: $P(A|B)$"})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if !strings.Contains(result.Content, "Bayes: $P(A|B)$") {
		t.Fatalf("expected notes in content, got %q", result.Content)
	}
}

func TestProcessorRejectsNonImageUpload(t *testing.T) {
	media := newTestMedia(t)
	fake := domain.MediaFile{Filename: "board.png", ObjectKey: UploadObjectKey("job-3", 0, "board.png")}
	putObject(t, media, fake.ObjectKey, []byte("definitely not a png"))

	processor, err := NewProcessor(media, EchoSynthesizer{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{JobID: "job-3", Images: []domain.MediaFile{fake}})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected ErrUnsupportedMedia, got %v", err)
	}
}

func TestProcessorRejectsEmptyMaterial(t *testing.T) {
	processor, err := NewProcessor(newTestMedia(t), EchoSynthesizer{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if _, err := processor.Process(context.Background(), Request{JobID: "job-4", Notes: "  "}); !errors.Is(err, ErrNoMaterial) {
		t.Fatalf("expected ErrNoMaterial, got %v", err)
	}
}

func TestAudioMIMEType(t *testing.T) {
	cases := []struct {
		file domain.MediaFile
		want string
	}{
		{domain.MediaFile{Filename: "a.bin", ContentType: "audio/x-m4a"}, "audio/x-m4a"},
		{domain.MediaFile{Filename: "a.WAV", ContentType: "application/octet-stream"}, "audio/wav"},
		{domain.MediaFile{Filename: "a.m4a"}, "audio/mp4"},
	}
	for _, tc := range cases {
		got, err := audioMIMEType(tc.file)
		if err != nil {
			t.Fatalf("audioMIMEType(%+v) returned error: %v", tc.file, err)
		}
		if got != tc.want {
			t.Fatalf("audioMIMEType(%+v) = %s, want %s", tc.file, got, tc.want)
		}
	}

	if _, err := audioMIMEType(domain.MediaFile{Filename: "slides.pdf"}); !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("expected ErrUnsupportedMedia, got %v", err)
	}
}

func TestUploadObjectKey(t *testing.T) {
	got := UploadObjectKey("job-1", 2, `C:\Users\me\Week 3 board.JPG`)
	if got != "uploads/job-1/02_Week_3_board.jpg" {
		t.Fatalf("unexpected object key %s", got)
	}
	if got := UploadObjectKey("job-1", 0, "../../etc/passwd"); got != "uploads/job-1/00_passwd" {
		t.Fatalf("unexpected object key %s", got)
	}
}

type recordingSynthesizer struct {
	content  string
	material Material
}

func (s *recordingSynthesizer) Synthesize(_ context.Context, material Material) (string, error) {
	s.material = material
	return s.content, nil
}

func newTestMedia(t *testing.T) *storage.LocalDir {
	t.Helper()
	media, err := storage.NewLocalDir(t.TempDir())
	if err != nil {
		t.Fatalf("new local dir: %v", err)
	}
	return media
}

func putObject(t *testing.T, media MediaStore, key string, data []byte) {
	t.Helper()
	if err := media.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), ""); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func buildTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 11), B: 200, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
