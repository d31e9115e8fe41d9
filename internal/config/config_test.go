package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
backend:
  url: https://scribe.example.com
capture:
  time_slice_ms: 4000
polling:
  chunk_max_attempts: 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.URL != "https://scribe.example.com" {
		t.Errorf("backend url = %q", cfg.Backend.URL)
	}
	if cfg.Capture.TimeSlice() != 4*time.Second {
		t.Errorf("time slice = %v", cfg.Capture.TimeSlice())
	}
	if cfg.Polling.ChunkMaxAttempts != 6 {
		t.Errorf("chunk max attempts = %d", cfg.Polling.ChunkMaxAttempts)
	}
	// untouched fields keep their defaults
	if cfg.Capture.SampleRate != 16000 || cfg.Finalize.WaitCeiling() != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Capture, cfg.Finalize)
	}
}

func TestLoadRepositoryDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	if err != nil {
		t.Fatalf("load %s: %v", DefaultPath, err)
	}
	if cfg.Polling.DiarizationGrowth != 1.5 || cfg.Polling.DiarizationMax() != 10*time.Second {
		t.Errorf("diarization polling = %+v", cfg.Polling)
	}
	if len(cfg.Output.Formats) != 3 {
		t.Errorf("formats = %v", cfg.Output.Formats)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad url", "backend:\n  url: ftp://x\n", "backend config"},
		{"slice too short", "capture:\n  time_slice_ms: 10\n", "time_slice_ms"},
		{"threshold range", "analyzer:\n  silence_threshold: 300\n", "silence_threshold"},
		{"growth", "polling:\n  diarization_growth: 0.5\n", "diarization_growth"},
		{"preview scheme", "preview:\n  url: http://x\n", "preview config"},
		{"format", "output:\n  formats: [pdf]\n", "formats"},
		{"log level", "logging:\n  level: loud\n", "level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.body)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "backend: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCRIBE_BACKEND_URL", "https://env.example.com")
	t.Setenv("SCRIBE_BACKEND_TOKEN", "secret")
	t.Setenv("SCRIBE_PREVIEW_URL", "wss://stt.example.com/ws")
	t.Setenv("SCRIBE_LOG_LEVEL", "DEBUG")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Backend.URL != "https://env.example.com" || cfg.Backend.Token != "secret" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Preview.URL != "wss://stt.example.com/ws" {
		t.Errorf("preview url = %q", cfg.Preview.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "SCRIBE_TEST_DOTENV=from-file\n")
	t.Setenv("SCRIBE_TEST_DOTENV", "")
	os.Unsetenv("SCRIBE_TEST_DOTENV")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("SCRIBE_TEST_DOTENV"); got != "from-file" {
		t.Errorf("SCRIBE_TEST_DOTENV = %q", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Backend.URL = "https://saved.example.com"
	cfg.Output.Formats = []string{"txt"}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Backend.URL != cfg.Backend.URL || len(got.Output.Formats) != 1 {
		t.Errorf("round trip lost fields: %+v", got)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Capture.Channels = 5
	if err := Save(cfg, filepath.Join(t.TempDir(), "c.yaml")); err == nil {
		t.Fatal("expected validation error")
	}
}
