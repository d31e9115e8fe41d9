package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/scribe/internal/pipeline"
)

// StatusSnapshot is what scribe-core publishes after every change.
type StatusSnapshot struct {
	Timestamp      time.Time         `json:"timestamp"`
	PID            int               `json:"pid"`
	Version        string            `json:"version"`
	BackendURL     string            `json:"backend_url"`
	BackendHealthy bool              `json:"backend_healthy"`
	LastCommand    string            `json:"last_command,omitempty"`
	LastAction     string            `json:"last_action,omitempty"`
	CommandError   string            `json:"command_error,omitempty"`
	Pipeline       pipeline.Snapshot `json:"pipeline"`
}

// StatusPath returns dir/status.json.
func StatusPath(dir string) string { return filepath.Join(dir, "status.json") }

// WriteStatus persists status to dir/status.json atomically.
func WriteStatus(dir string, status *StatusSnapshot) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return atomicWriteJSON(StatusPath(dir), status)
}

// ReadStatus loads dir/status.json.
func ReadStatus(dir string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(StatusPath(dir))
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// atomicWriteJSON writes data to path using temp file + rename.
func atomicWriteJSON(path string, data interface{}) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}
