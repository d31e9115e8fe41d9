package testutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// LogCapture collects slog output for assertions.
type LogCapture struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

// NewLogCapture creates a capture and a JSON logger writing into it.
func NewLogCapture() (*LogCapture, *slog.Logger) {
	lc := &LogCapture{}
	return lc, slog.New(slog.NewJSONHandler(lc, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Write implements io.Writer.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// String returns all captured log output
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Contains checks if the log output contains the given substring
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// Count returns the number of records with the given message.
func (lc *LogCapture) Count(msg string) int {
	n := 0
	for _, rec := range lc.Records() {
		if rec["msg"] == msg {
			n++
		}
	}
	return n
}

// Records returns every captured record decoded from JSON.
func (lc *LogCapture) Records() []map[string]interface{} {
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(lc.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		if err := json.Unmarshal([]byte(line), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}
