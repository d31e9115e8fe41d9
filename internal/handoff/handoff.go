package handoff

import (
	"fmt"
	"time"

	"github.com/tiroq/scribe/internal/session"
)

// Writer writes the handoff bundle for completed sessions.
type Writer struct {
	Dir       string
	Formats   []string
	TimeSlice time.Duration

	now func() time.Time
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string, formats []string, slice time.Duration) *Writer {
	return &Writer{Dir: dir, Formats: formats, TimeSlice: slice, now: time.Now}
}

// Write stores the transcripts and the metadata sidecar and returns the
// base path shared by every file.
func (w *Writer) Write(snap session.Snapshot, st session.Stats, recorded time.Duration) (string, error) {
	if snap.ID == "" {
		return "", fmt.Errorf("handoff: session has no id")
	}
	base := BasePath(w.Dir, snap.CreatedAt, snap.ID)
	if err := WriteAll(base, snap, w.TimeSlice, w.Formats); err != nil {
		return "", err
	}
	formats := w.Formats
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	meta := NewMetadata(snap, st, recorded, w.TimeSlice, formats, w.now())
	if err := WriteMetadata(base, meta); err != nil {
		return "", err
	}
	return base, nil
}
