package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// JobState is the worker status of an asynchronous chunk job.
type JobState string

const (
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
	JobPending JobState = "PENDING"
	JobStarted JobState = "STARTED"
	JobRetry   JobState = "RETRY"
)

// JobResult is the payload of a successful job.
type JobResult struct {
	Transcript string  `json:"transcript"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

// JobStatus is the response of GET /jobs/{id}.
type JobStatus struct {
	Status JobState   `json:"status"`
	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Job fetches a chunk job status once. Repetition is the poller's job.
func (c *Client) Job(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	if err := c.getJSON(ctx, "job "+jobID, "/jobs/"+url.PathEscape(jobID), &st); err != nil {
		return nil, err
	}
	st.Status = JobState(strings.ToUpper(string(st.Status)))
	return &st, nil
}

// CheckpointResult is the server-side concatenation outcome.
type CheckpointResult struct {
	ChunksConcatenated int   `json:"chunks_concatenated"`
	FullAudioSize      int64 `json:"full_audio_size"`
}

// Checkpoint asks the server to concatenate chunks 0..lastChunkIndex.
func (c *Client) Checkpoint(ctx context.Context, sessionID string, lastChunkIndex int) (*CheckpointResult, error) {
	var out CheckpointResult
	in := map[string]int{"last_chunk_index": lastChunkIndex}
	if err := c.postJSON(ctx, "checkpoint", sessionPath(sessionID, "checkpoint"), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChunkTranscript is one entry of the per-chunk transcript source.
type ChunkTranscript struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// EndSessionRequest carries the full recording and the three transcript
// sources, kept separate.
type EndSessionRequest struct {
	SessionID        string
	Audio            []byte
	MIME             string
	Ext              string
	WebSpeech        []string
	ChunkTranscripts []ChunkTranscript
	FinalTranscript  string
	Metadata         map[string]string
}

// EndSessionResult is the stored location of the full recording.
type EndSessionResult struct {
	AudioPath string `json:"audio_path"`
}

// EndSession uploads the full recording. Servers that predate
// /end-session are reached at /end.
func (c *Client) EndSession(ctx context.Context, req EndSessionRequest) (*EndSessionResult, error) {
	body, contentType, err := buildEndSessionForm(req)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	r := request{method: http.MethodPost, path: sessionPath(req.SessionID, "end-session"), contentType: contentType, body: body}
	data, err := c.doWithRetry(ctx, "end session", r)
	if IsNotFound(err) {
		r.path = sessionPath(req.SessionID, "end")
		data, err = c.doWithRetry(ctx, "end session", r)
	}
	if err != nil {
		return nil, err
	}
	var out EndSessionResult
	if err := decode("end session", data, &out); err != nil {
		return nil, err
	}
	if out.AudioPath == "" {
		return nil, fmt.Errorf("end session: response has no audio_path")
	}
	return &out, nil
}

func buildEndSessionForm(req EndSessionRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	webSpeech, err := json.Marshal(nonNil(req.WebSpeech))
	if err != nil {
		return nil, "", err
	}
	chunks := req.ChunkTranscripts
	if chunks == nil {
		chunks = []ChunkTranscript{}
	}
	chunkJSON, err := json.Marshal(chunks)
	if err != nil {
		return nil, "", err
	}
	fields := [][2]string{
		{"session_id", req.SessionID},
		{"mime", req.MIME},
		{"web_speech_transcripts", string(webSpeech)},
		{"chunk_transcripts", string(chunkJSON)},
		{"final_transcript", req.FinalTranscript},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	for k, v := range req.Metadata {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	var part io.Writer
	if part, err = createAudioPart(w, "audio", "full"+req.Ext, req.MIME); err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Audio); err != nil {
		return nil, "", fmt.Errorf("copy audio data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// StartDiarization queues speaker diarization for the uploaded recording.
func (c *Client) StartDiarization(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.postJSON(ctx, "start diarization", sessionPath(sessionID, "diarization"), nil, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("start diarization: response has no job_id")
	}
	return out.JobID, nil
}

// DiarizationStatus is one poll of a diarization job.
type DiarizationStatus struct {
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	SegmentCount int     `json:"segment_count"`
	Error        string  `json:"error,omitempty"`
}

// Done reports a successful terminal status.
func (s *DiarizationStatus) Done() bool {
	switch strings.ToLower(s.Status) {
	case "completed", "success", "done":
		return true
	}
	return false
}

// Failed reports a failed terminal status.
func (s *DiarizationStatus) Failed() bool {
	switch strings.ToLower(s.Status) {
	case "failed", "failure", "error":
		return true
	}
	return false
}

// Diarization fetches the status of a diarization job once.
func (c *Client) Diarization(ctx context.Context, sessionID, jobID string) (*DiarizationStatus, error) {
	var out DiarizationStatus
	if err := c.getJSON(ctx, "diarization status", sessionPath(sessionID, "diarization", jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MonitorReport is the free-form session monitor payload.
type MonitorReport struct {
	Raw map[string]interface{}
	ETA time.Duration // zero when the server gave none
}

// Monitor fetches the session monitor view.
func (c *Client) Monitor(ctx context.Context, sessionID string) (*MonitorReport, error) {
	raw := map[string]interface{}{}
	if err := c.getJSON(ctx, "monitor", sessionPath(sessionID, "monitor"), &raw); err != nil {
		return nil, err
	}
	rep := &MonitorReport{Raw: raw}
	if v, ok := raw["estimated_time_remaining"].(float64); ok && v > 0 {
		rep.ETA = time.Duration(v * float64(time.Second))
	}
	return rep, nil
}

// SOAPResult identifies the note created by the SOAP service.
type SOAPResult struct {
	NoteID string `json:"note_id"`
	Status string `json:"status"`
}

// GenerateSOAP hands the finished session to the SOAP note service.
func (c *Client) GenerateSOAP(ctx context.Context, sessionID string) (*SOAPResult, error) {
	var out SOAPResult
	if err := c.postJSON(ctx, "generate soap", sessionPath(sessionID, "soap"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthStatus is the result of a backend health check.
type HealthStatus struct {
	OK      bool
	Message string
	Latency time.Duration
}

// HealthCheck queries /health. Transport failures are reported in the
// status, not as an error.
func (c *Client) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/health"})
	latency := time.Since(start)
	if err != nil {
		return &HealthStatus{OK: false, Message: fmt.Sprintf("health check failed: %v", err), Latency: latency}, nil
	}

	var parsed struct {
		OK     *bool  `json:"ok"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &HealthStatus{OK: false, Message: fmt.Sprintf("invalid health response: %v", err), Latency: latency}, nil
	}
	ok := parsed.OK != nil && *parsed.OK
	if parsed.OK == nil {
		ok = strings.EqualFold(parsed.Status, "ok") || strings.EqualFold(parsed.Status, "healthy")
	}
	msg := "healthy"
	if !ok {
		msg = "service reports not ok"
	}
	return &HealthStatus{OK: ok, Message: msg, Latency: latency}, nil
}
