// Package handoff writes the finished session to disk for downstream
// collaborators: the final transcript, per-chunk subtitles and a metadata
// sidecar.
package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/scribe/internal/session"
)

// Cue is one timed chunk transcript.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// Cues places every chunk transcript on the recording timeline. Chunk i
// covers [i*slice, (i+1)*slice).
func Cues(texts []session.IndexedText, slice time.Duration) []Cue {
	cues := make([]Cue, 0, len(texts))
	for _, t := range texts {
		if t.Text == "" {
			continue
		}
		start := time.Duration(t.Index) * slice
		cues = append(cues, Cue{Index: t.Index, Start: start, End: start + slice, Text: t.Text})
	}
	return cues
}

// WriteText writes the final transcript as a single paragraph.
func WriteText(path, final string) error {
	return atomicWrite(path, []byte(strings.TrimSpace(final)+"\n"))
}

// WriteSRT writes a SubRip (.srt) file with one numbered cue per chunk.
func WriteSRT(path string, cues []Cue) error {
	var b strings.Builder
	for i, c := range cues {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(c.Start), formatSRTTimestamp(c.End))
		fmt.Fprintf(&b, "%s\n", c.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteVTT writes a WebVTT (.vtt) file, preceded by the WEBVTT header.
func WriteVTT(path string, cues []Cue) error {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, c := range cues {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "chunk-%d\n", c.Index)
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(c.Start), formatVTTTimestamp(c.End))
		fmt.Fprintf(&b, "%s\n", c.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteAll writes every requested format next to basePath (the path
// without extension). Supported formats: "txt", "srt", "vtt"; empty means
// ["txt"]. Returns a combined error listing all failures.
func WriteAll(basePath string, snap session.Snapshot, slice time.Duration, formats []string) error {
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	cues := Cues(snap.ChunkTranscripts, slice)
	var errs []string
	for _, f := range formats {
		var err error
		switch f {
		case "txt":
			err = WriteText(basePath+".txt", snap.FinalTranscript)
		case "srt":
			err = WriteSRT(basePath+".srt", cues)
		case "vtt":
			err = WriteVTT(basePath+".vtt", cues)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("handoff write errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func formatSRTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func formatVTTTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// atomicWrite writes data to path using a temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "handoff-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	success = true

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
