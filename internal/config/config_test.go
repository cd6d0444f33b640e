package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NOTETAKER_CONFIG", "")
	t.Setenv("NOTETAKER_POLL_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Client.PollInterval != 2*time.Second {
		t.Fatalf("expected poll interval 2s, got %s", cfg.Client.PollInterval)
	}
	if cfg.Queue.Name != "notes" {
		t.Fatalf("expected queue notes, got %q", cfg.Queue.Name)
	}
}

func TestLoadReadsYAMLFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notetaker.yaml")
	content := []byte("NOTETAKER_API_URL: http://notes.internal:8000\nnotetaker_poll_interval: 500\nASYNC_QUEUE: from-file\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("NOTETAKER_CONFIG", path)
	t.Setenv("NOTETAKER_API_URL", "")
	t.Setenv("NOTETAKER_POLL_INTERVAL", "")
	t.Setenv("ASYNC_QUEUE", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Client.BaseURL != "http://notes.internal:8000" {
		t.Fatalf("expected base url from file, got %q", cfg.Client.BaseURL)
	}
	if cfg.Client.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected poll interval 500ms, got %s", cfg.Client.PollInterval)
	}
	if cfg.Queue.Name != "from-env" {
		t.Fatalf("expected environment to win, got %q", cfg.Queue.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("NOTETAKER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvDurationFormats(t *testing.T) {
	s := source{file: map[string]string{"A": "1500", "B": "3s", "C": "soon"}}
	if got := s.envDuration("A", 0); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}
	if got := s.envDuration("B", 0); got != 3*time.Second {
		t.Fatalf("expected 3s, got %s", got)
	}
	if got := s.envDuration("C", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestLoadRejectsNestedYAMLValues(t *testing.T) {
	for name, content := range map[string]string{
		"map":  "minio:\n  endpoint: localhost:9000\n",
		"list": "SYNTH_MODEL:\n  - gemini\n  - gpt\n",
	} {
		path := filepath.Join(t.TempDir(), "notetaker.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config file: %v", err)
		}
		t.Setenv("NOTETAKER_CONFIG", path)
		if _, err := Load(); err == nil {
			t.Fatalf("expected error for nested %s value", name)
		}
	}
}

func TestLoadRateLimitSubjectHeader(t *testing.T) {
	t.Setenv("NOTETAKER_CONFIG", "")
	t.Setenv("RATE_LIMIT_SUBJECT_HEADER", "X-API-Key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.RateLimit.SubjectHeader != "X-API-Key" {
		t.Fatalf("expected subject header X-API-Key, got %q", cfg.RateLimit.SubjectHeader)
	}
}
