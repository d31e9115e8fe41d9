// Package config loads the scribe configuration from YAML with .env and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the repository default used when no user config exists.
const DefaultPath = "configs/default-config.yaml"

// Config is the complete scribe configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Capture  CaptureConfig  `yaml:"capture"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Polling  PollingConfig  `yaml:"polling"`
	Finalize FinalizeConfig `yaml:"finalize"`
	Preview  PreviewConfig  `yaml:"preview"`
	Output   OutputConfig   `yaml:"output"`
	Logging  LoggingConfig  `yaml:"logging"`
	Status   StatusConfig   `yaml:"status"`
}

// BackendConfig is the transcription service connection.
type BackendConfig struct {
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

// CaptureConfig describes the input format and slicing.
type CaptureConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	TimeSliceMS     int `yaml:"time_slice_ms"`
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// AnalyzerConfig tunes the silence gate.
type AnalyzerConfig struct {
	Gain             float64 `yaml:"gain"`
	SilenceThreshold int     `yaml:"silence_threshold"`
	Smoothing        float64 `yaml:"smoothing"`
}

// PollingConfig tunes chunk job and diarization polling.
type PollingConfig struct {
	ChunkIntervalMS        int     `yaml:"chunk_interval_ms"`
	ChunkMaxAttempts       int     `yaml:"chunk_max_attempts"`
	DiarizationInitialMS   int     `yaml:"diarization_initial_ms"`
	DiarizationMaxMS       int     `yaml:"diarization_max_ms"`
	DiarizationGrowth      float64 `yaml:"diarization_growth"`
	DiarizationMaxWaitSecs int     `yaml:"diarization_max_wait_seconds"`
}

// FinalizeConfig tunes the end-of-session wait.
type FinalizeConfig struct {
	WaitCeilingSeconds int `yaml:"wait_ceiling_seconds"`
}

// PreviewConfig is the instant-preview recognizer. An empty URL disables it.
type PreviewConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// OutputConfig controls the handoff files written after a session.
type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"` // txt, srt, vtt
}

// LoggingConfig configures the operational logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// StatusConfig configures status reporting.
type StatusConfig struct {
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "http://localhost:8000",
			TimeoutSeconds: 60,
			Retries:        3,
		},
		Capture: CaptureConfig{
			SampleRate:      16000,
			Channels:        1,
			TimeSliceMS:     8000,
			FramesPerBuffer: 1024,
		},
		Analyzer: AnalyzerConfig{
			Gain:             2.5,
			SilenceThreshold: 2,
			Smoothing:        0.8,
		},
		Polling: PollingConfig{
			ChunkIntervalMS:        500,
			ChunkMaxAttempts:       120,
			DiarizationInitialMS:   1000,
			DiarizationMaxMS:       10000,
			DiarizationGrowth:      1.5,
			DiarizationMaxWaitSecs: 1800,
		},
		Finalize: FinalizeConfig{WaitCeilingSeconds: 30},
		Output: OutputConfig{
			Dir:     filepath.Join(os.Getenv("HOME"), "Documents", "scribe"),
			Formats: []string{"txt", "srt", "vtt"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// UserPath returns ~/.config/scribe/config.yaml.
func UserPath() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "scribe", "config.yaml")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads the user config, falling back to the repository
// default and then to built-in values. A .env file in the working
// directory is read first; variables already set win.
func LoadDefault() (*Config, error) {
	if err := LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	for _, path := range []string{UserPath(), DefaultPath} {
		cfg, err := Load(path)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	cfg := Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from SCRIBE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SCRIBE_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("SCRIBE_BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("SCRIBE_PREVIEW_URL"); v != "" {
		c.Preview.URL = v
	}
	if v := os.Getenv("SCRIBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Save writes the configuration to path as YAML.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate performs validation of every section.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	if err := c.Analyzer.Validate(); err != nil {
		return fmt.Errorf("analyzer config: %w", err)
	}
	if err := c.Polling.Validate(); err != nil {
		return fmt.Errorf("polling config: %w", err)
	}
	if c.Finalize.WaitCeilingSeconds < 1 {
		return fmt.Errorf("finalize config: wait_ceiling_seconds must be at least 1, got %d", c.Finalize.WaitCeilingSeconds)
	}
	if err := c.Preview.Validate(); err != nil {
		return fmt.Errorf("preview config: %w", err)
	}
	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	u, err := url.Parse(b.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an http(s) URL, got %q", b.URL)
	}
	if b.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds must be at least 1, got %d", b.TimeoutSeconds)
	}
	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.TimeSliceMS < 1000 || c.TimeSliceMS > 60000 {
		return fmt.Errorf("time_slice_ms must be between 1000 and 60000, got %d", c.TimeSliceMS)
	}
	if c.FramesPerBuffer < 64 {
		return fmt.Errorf("frames_per_buffer must be at least 64, got %d", c.FramesPerBuffer)
	}
	return nil
}

// Validate validates analyzer configuration
func (a *AnalyzerConfig) Validate() error {
	if a.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", a.Gain)
	}
	if a.SilenceThreshold < 0 || a.SilenceThreshold > 255 {
		return fmt.Errorf("silence_threshold must be between 0 and 255, got %d", a.SilenceThreshold)
	}
	if a.Smoothing < 0 || a.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", a.Smoothing)
	}
	return nil
}

// Validate validates polling configuration
func (p *PollingConfig) Validate() error {
	if p.ChunkIntervalMS < 10 {
		return fmt.Errorf("chunk_interval_ms must be at least 10, got %d", p.ChunkIntervalMS)
	}
	if p.ChunkMaxAttempts < 1 {
		return fmt.Errorf("chunk_max_attempts must be at least 1, got %d", p.ChunkMaxAttempts)
	}
	if p.DiarizationInitialMS < 10 || p.DiarizationMaxMS < p.DiarizationInitialMS {
		return fmt.Errorf("diarization interval must satisfy 10 <= initial (%d) <= max (%d)", p.DiarizationInitialMS, p.DiarizationMaxMS)
	}
	if p.DiarizationGrowth < 1 {
		return fmt.Errorf("diarization_growth must be at least 1, got %f", p.DiarizationGrowth)
	}
	return nil
}

// Validate validates preview configuration
func (p *PreviewConfig) Validate() error {
	if p.URL == "" {
		return nil
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("url must be a ws(s) URL, got %q", p.URL)
	}
	return nil
}

// Validate validates output configuration
func (o *OutputConfig) Validate() error {
	for _, f := range o.Formats {
		switch f {
		case "txt", "srt", "vtt":
		default:
			return fmt.Errorf("formats must be among [txt, srt, vtt], got '%s'", f)
		}
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}
	return nil
}

// TimeSlice returns the capture slice length.
func (c *CaptureConfig) TimeSlice() time.Duration {
	return time.Duration(c.TimeSliceMS) * time.Millisecond
}

// ChunkInterval returns the chunk job poll interval.
func (p *PollingConfig) ChunkInterval() time.Duration {
	return time.Duration(p.ChunkIntervalMS) * time.Millisecond
}

// DiarizationInitial returns the first diarization poll interval.
func (p *PollingConfig) DiarizationInitial() time.Duration {
	return time.Duration(p.DiarizationInitialMS) * time.Millisecond
}

// DiarizationMax returns the diarization poll interval cap.
func (p *PollingConfig) DiarizationMax() time.Duration {
	return time.Duration(p.DiarizationMaxMS) * time.Millisecond
}

// DiarizationMaxWait returns the total diarization wait bound.
func (p *PollingConfig) DiarizationMaxWait() time.Duration {
	return time.Duration(p.DiarizationMaxWaitSecs) * time.Second
}

// WaitCeiling returns how long finalize waits for unresolved chunks.
func (f *FinalizeConfig) WaitCeiling() time.Duration {
	return time.Duration(f.WaitCeilingSeconds) * time.Second
}
