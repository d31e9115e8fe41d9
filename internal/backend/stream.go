package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/tiroq/scribe/internal/diaglog"
)

// ChunkUpload is one chunk submitted to /stream.
type ChunkUpload struct {
	SessionID   string
	ChunkNumber int
	Audio       []byte
	MIME        string
	Ext         string
	Start       time.Duration // offset of the chunk in the session
	End         time.Duration
	Metadata    map[string]string // extra form fields, patient data on chunk 0
}

// StreamResult is the decoded /stream response. It is exactly one of
// DirectSuccess, WorkerQueued, LegacyQueued or Unexpected.
type StreamResult interface {
	streamResult()
}

// DirectSuccess carries a transcript resolved synchronously.
type DirectSuccess struct {
	Transcript string
	Provider   string
	Confidence float64
}

// WorkerQueued means the chunk was accepted by a background worker and is
// resolved by polling JobID.
type WorkerQueued struct {
	JobID  string
	Status string
}

// LegacyQueued is the older {queued: true, job_id} shape.
type LegacyQueued struct {
	JobID string
}

// Unexpected is any response that matches none of the known shapes.
type Unexpected struct {
	Reason string
	Body   string
}

func (DirectSuccess) streamResult() {}
func (WorkerQueued) streamResult()  {}
func (LegacyQueued) streamResult()  {}
func (Unexpected) streamResult()    {}

type streamResponse struct {
	Status     string   `json:"status"`
	Transcript *string  `json:"transcript"`
	Provider   string   `json:"provider"`
	Confidence *float64 `json:"confidence"`
	JobID      string   `json:"job_id"`
	SessionID  string   `json:"session_id"`
	Queued     *bool    `json:"queued"`
}

// DecodeStreamResponse classifies a /stream response body.
func DecodeStreamResponse(body []byte) StreamResult {
	var r streamResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Unexpected{Reason: "invalid json: " + err.Error(), Body: truncate(body, 200)}
	}

	switch strings.ToLower(r.Status) {
	case "completed":
		if r.Transcript == nil {
			return Unexpected{Reason: "completed without transcript", Body: truncate(body, 200)}
		}
		out := DirectSuccess{Transcript: strings.TrimSpace(*r.Transcript), Provider: r.Provider}
		if r.Confidence != nil {
			out.Confidence = *r.Confidence
		}
		return out
	case "pending", "in_progress":
		id := r.JobID
		if id == "" {
			id = r.SessionID
		}
		if id == "" {
			return Unexpected{Reason: "queued without job_id", Body: truncate(body, 200)}
		}
		return WorkerQueued{JobID: id, Status: strings.ToLower(r.Status)}
	}

	if r.Queued != nil && *r.Queued && r.JobID != "" {
		return LegacyQueued{JobID: r.JobID}
	}
	return Unexpected{Reason: fmt.Sprintf("unrecognised status %q", r.Status), Body: truncate(body, 200)}
}

// Stream uploads one chunk. It makes a single attempt: a failed chunk is
// reported to the caller, never retried here.
func (c *Client) Stream(ctx context.Context, up ChunkUpload) (StreamResult, error) {
	body, contentType, err := buildChunkForm(up)
	if err != nil {
		return nil, fmt.Errorf("stream chunk %d: %w", up.ChunkNumber, err)
	}
	data, err := c.do(ctx, request{method: http.MethodPost, path: "/stream", contentType: contentType, body: body})
	if err != nil {
		return nil, fmt.Errorf("stream chunk %d: %w", up.ChunkNumber, err)
	}
	res := DecodeStreamResponse(data)
	if u, ok := res.(Unexpected); ok {
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventChunkFailed,
			SessionID: up.SessionID,
			ChunkIdx:  diaglog.Chunk(up.ChunkNumber),
			Reason:    u.Reason,
		})
	}
	return res, nil
}

func buildChunkForm(up ChunkUpload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"session_id", up.SessionID},
		{"chunk_number", strconv.Itoa(up.ChunkNumber)},
		{"mime", up.MIME},
		{"timestamp_start", strconv.FormatInt(up.Start.Milliseconds(), 10)},
		{"timestamp_end", strconv.FormatInt(up.End.Milliseconds(), 10)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	for k, v := range up.Metadata {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	part, err := createAudioPart(w, "audio", strconv.Itoa(up.ChunkNumber)+up.Ext, up.MIME)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(up.Audio); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// createAudioPart is CreateFormFile with the real audio content type.
func createAudioPart(w *multipart.Writer, field, filename, mime string) (io.Writer, error) {
	if mime == "" {
		mime = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	return part, nil
}
