// Package diaglog writes the pipeline's NDJSON diagnostic trail.
// Activated by SCRIBE_DEBUG_PIPELINE=true. When the env var is absent, all
// Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// DefaultMaxSize is the size at which the active log file is rotated.
const DefaultMaxSize = 10 * 1024 * 1024

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentCapture      = "capture"
	ComponentDispatcher   = "dispatcher"
	ComponentPoller       = "poller"
	ComponentBackend      = "backend"
	ComponentStateMachine = "state-machine"
	ComponentFinalize     = "finalize"
	ComponentPreview      = "preview"
	ComponentDiagExport   = "diag-export"
	ComponentScribeCore   = "scribe-core"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventCaptureStart       = "capture_start"
	EventCaptureStop        = "capture_stop"
	EventCaptureError       = "capture_error"
	EventSegmentEmitted     = "segment_emitted"
	EventChunkSilent        = "chunk_silent"
	EventChunkAdmitted      = "chunk_admitted"
	EventChunkDuplicate     = "chunk_duplicate"
	EventChunkQueued        = "chunk_queued"
	EventChunkCompleted     = "chunk_completed"
	EventChunkFailed        = "chunk_failed"
	EventPollAttempt        = "poll_attempt"
	EventRequestRetry       = "request_retry"
	EventStateTransition    = "state_transition"
	EventCheckpoint         = "checkpoint"
	EventFinalizeWait       = "finalize_wait"
	EventFinalizeAbandoned  = "finalize_abandoned"
	EventFinalizeUpload     = "finalize_upload"
	EventDiarizationStart   = "diarization_start"
	EventDiarizationPoll    = "diarization_poll"
	EventDiarizationCancel  = "diarization_cancel"
	EventDiarizationDone    = "diarization_done"
	EventSOAPRequested      = "soap_requested"
	EventPreviewConnect     = "preview_connect"
	EventPreviewDisconnect  = "preview_disconnect"
	EventCommandReceived    = "command_received"
	EventHandoffWritten     = "handoff_written"
	EventFinalizeRetryStart = "finalize_retry"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // consultation session
	ChunkIdx  *int        `json:"chunk,omitempty"`      // chunk index when the event concerns one
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Chunk returns a pointer suitable for LogEntry.ChunkIdx.
func Chunk(i int) *int { return &i }

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rotating NDJSON file. When debug mode
// is disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry as one JSON line. Patient identifiers and
// credentials in the payload are redacted first.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are being written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether SCRIBE_DEBUG_PIPELINE is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("SCRIBE_DEBUG_PIPELINE") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
