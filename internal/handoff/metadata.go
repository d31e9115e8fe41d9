package handoff

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tiroq/scribe/internal/session"
)

// MetadataVersion is bumped whenever the sidecar layout changes.
const MetadataVersion = "1"

// Metadata is the <base>.meta.json sidecar. The patient is referenced by
// id only.
type Metadata struct {
	Version           string    `json:"version"`
	SessionID         string    `json:"session_id"`
	PatientID         string    `json:"patient_id,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	RecordedMs        int64     `json:"recorded_ms"`
	TimeSliceMs       int64     `json:"time_slice_ms"`
	Chunks            int       `json:"chunks"`
	ChunksCompleted   int       `json:"chunks_completed"`
	ChunksFailed      int       `json:"chunks_failed"`
	Abandoned         []int     `json:"abandoned_chunks,omitempty"`
	AverageLatencyMs  int64     `json:"average_latency_ms"`
	WordsPerMinute    float64   `json:"words_per_minute"`
	WebSpeechFinals   int       `json:"web_speech_finals"`
	AudioPath         string    `json:"audio_path"`
	DiarizationJobID  string    `json:"diarization_job_id,omitempty"`
	DiarizationStatus string    `json:"diarization_status,omitempty"`
	SpeakerSegments   int       `json:"speaker_segments,omitempty"`
	SOAPNoteID        string    `json:"soap_note_id,omitempty"`
	Formats           []string  `json:"formats"`
}

// NewMetadata summarises a finished session.
func NewMetadata(snap session.Snapshot, st session.Stats, recorded, slice time.Duration, formats []string, now time.Time) *Metadata {
	m := &Metadata{
		Version:           MetadataVersion,
		SessionID:         snap.ID,
		StartedAt:         snap.CreatedAt,
		CompletedAt:       now,
		RecordedMs:        recorded.Milliseconds(),
		TimeSliceMs:       slice.Milliseconds(),
		Chunks:            st.Total,
		ChunksCompleted:   st.Completed,
		ChunksFailed:      st.Failed,
		Abandoned:         snap.Abandoned,
		AverageLatencyMs:  st.AverageLatency.Milliseconds(),
		WordsPerMinute:    st.WordsPerMinute,
		WebSpeechFinals:   len(snap.WebSpeech),
		AudioPath:         snap.AudioPath,
		DiarizationJobID:  snap.Diarization.JobID,
		DiarizationStatus: snap.Diarization.Status,
		SpeakerSegments:   snap.Diarization.SegmentCount,
		SOAPNoteID:        snap.SOAPNoteID,
		Formats:           formats,
	}
	if snap.Patient != nil {
		m.PatientID = snap.Patient.ID
	}
	return m
}

// WriteMetadata writes basePath + ".meta.json" atomically.
func WriteMetadata(basePath string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return atomicWrite(basePath+".meta.json", append(data, '\n'))
}

// BasePath returns <dir>/<YYYY-MM-DD>_<session> for a session started at.
func BasePath(dir string, started time.Time, sessionID string) string {
	return filepath.Join(dir, started.Format("2006-01-02")+"_"+sessionID)
}
