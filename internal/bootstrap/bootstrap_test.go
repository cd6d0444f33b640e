package bootstrap

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/dunamismax/notetaker/internal/config"
	"github.com/dunamismax/notetaker/internal/storage"
	"github.com/dunamismax/notetaker/internal/store"
)

func TestOpenJobStoreMemory(t *testing.T) {
	jobStore, closeFn, err := OpenJobStore(context.Background(), JobStoreMemory, config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("OpenJobStore returned error: %v", err)
	}
	defer func() { _ = closeFn() }()
	if _, ok := jobStore.(*store.MemoryJobStore); !ok {
		t.Fatalf("expected memory store, got %T", jobStore)
	}
}

func TestOpenJobStoreUnknown(t *testing.T) {
	if _, _, err := OpenJobStore(context.Background(), "sqlite", config.DatabaseConfig{}); err == nil {
		t.Fatal("expected error for unknown job store")
	}
}

func TestOpenMediaLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	media, err := OpenMedia(context.Background(), config.StorageConfig{Backend: MediaBackendLocal, LocalDir: dir})
	if err != nil {
		t.Fatalf("OpenMedia returned error: %v", err)
	}
	local, ok := media.(*storage.LocalDir)
	if !ok || local.Root != dir {
		t.Fatalf("expected local dir at %s, got %#v", dir, media)
	}
}

func TestNewWorkerRejectsUnknownProvider(t *testing.T) {
	media, err := storage.NewLocalDir(t.TempDir())
	if err != nil {
		t.Fatalf("create media dir: %v", err)
	}
	cfg := config.Config{Synth: config.SynthConfig{Provider: "carrier-pigeon"}}
	if _, err := NewWorker(context.Background(), cfg, log.New(io.Discard, "", 0), media, store.NewMemoryJobStore()); err == nil {
		t.Fatal("expected error for unknown synthesizer provider")
	}
}
