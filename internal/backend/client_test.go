package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient points a Client at ts with fast retries.
func newTestClient(ts *httptest.Server) *Client {
	c := NewClient(Config{BaseURL: ts.URL, TimeoutSeconds: 5, Retries: 3})
	c.backoffBase = time.Millisecond
	return c
}

func TestDecodeStreamResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
		want StreamResult
	}{
		{
			name: "direct success",
			body: `{"status":"completed","transcript":"hola doctor","provider":"whisper","confidence":0.93}`,
			want: DirectSuccess{Transcript: "hola doctor", Provider: "whisper", Confidence: 0.93},
		},
		{
			name: "direct success with empty transcript",
			body: `{"status":"completed","transcript":""}`,
			want: DirectSuccess{},
		},
		{
			name: "worker pending",
			body: `{"status":"pending","job_id":"J1"}`,
			want: WorkerQueued{JobID: "J1", Status: "pending"},
		},
		{
			name: "worker in progress keyed by session",
			body: `{"status":"in_progress","session_id":"S9"}`,
			want: WorkerQueued{JobID: "S9", Status: "in_progress"},
		},
		{
			name: "legacy queued",
			body: `{"queued":true,"job_id":"L7"}`,
			want: LegacyQueued{JobID: "L7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeStreamResponse([]byte(tt.body))
			if got != tt.want {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestDecodeStreamResponseUnexpected(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"status":"completed"}`,
		`{"status":"pending"}`,
		`{"queued":true}`,
		`{"status":"weird"}`,
		`{}`,
	}
	for _, b := range bodies {
		if _, ok := DecodeStreamResponse([]byte(b)).(Unexpected); !ok {
			t.Errorf("%s: expected Unexpected", b)
		}
	}
}

func TestStreamSendsChunkForm(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/stream" {
			t.Errorf("expected POST /stream, got %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		checks := map[string]string{
			"session_id":      "S1",
			"chunk_number":    "2",
			"mime":            "audio/wav",
			"timestamp_start": "16000",
			"timestamp_end":   "24000",
			"patient_id":      "P-1",
		}
		for k, want := range checks {
			if got := r.FormValue(k); got != want {
				t.Errorf("field %s: expected %q, got %q", k, want, got)
			}
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("audio part: %v", err)
		}
		defer f.Close()
		if hdr.Filename != "2.wav" {
			t.Errorf("expected filename 2.wav, got %q", hdr.Filename)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "RIFFdata" {
			t.Errorf("expected audio payload, got %q", data)
		}
		_, _ = w.Write([]byte(`{"status":"completed","transcript":" tengo fiebre "}`))
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Token: "tok"})
	res, err := c.Stream(context.Background(), ChunkUpload{
		SessionID:   "S1",
		ChunkNumber: 2,
		Audio:       []byte("RIFFdata"),
		MIME:        "audio/wav",
		Ext:         ".wav",
		Start:       16 * time.Second,
		End:         24 * time.Second,
		Metadata:    map[string]string{"patient_id": "P-1"},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	ds, ok := res.(DirectSuccess)
	if !ok {
		t.Fatalf("expected DirectSuccess, got %#v", res)
	}
	if ds.Transcript != "tengo fiebre" {
		t.Errorf("expected trimmed transcript, got %q", ds.Transcript)
	}
}

func TestStreamDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).Stream(context.Background(), ChunkUpload{SessionID: "S", Audio: []byte("x")})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestJobNormalisesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/J1" {
			t.Errorf("expected /jobs/J1, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"success","result":{"transcript":"tengo dolor","provider":"worker"}}`))
	}))
	defer ts.Close()

	st, err := newTestClient(ts).Job(context.Background(), "J1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if st.Status != JobSuccess {
		t.Errorf("expected %s, got %s", JobSuccess, st.Status)
	}
	if st.Result == nil || st.Result.Transcript != "tengo dolor" {
		t.Errorf("unexpected result %+v", st.Result)
	}
}

func TestCheckpointRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path != "/sessions/S1/checkpoint" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var in map[string]int
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if in["last_chunk_index"] != 1 {
			t.Errorf("expected last_chunk_index=1, got %d", in["last_chunk_index"])
		}
		_, _ = w.Write([]byte(`{"chunks_concatenated":2,"full_audio_size":4096}`))
	}))
	defer ts.Close()

	res, err := newTestClient(ts).Checkpoint(context.Background(), "S1", 1)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if res.ChunksConcatenated != 2 || res.FullAudioSize != 4096 {
		t.Errorf("unexpected result %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestCheckpointClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad index", http.StatusBadRequest)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).Checkpoint(context.Background(), "S1", 1)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).StartDiarization(context.Background(), "S1")
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected 4 calls (1 + 3 retries), got %d", calls.Load())
	}
}

func TestEndSessionSendsThreeSources(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S1/end-session" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		var web []string
		if err := json.Unmarshal([]byte(r.FormValue("web_speech_transcripts")), &web); err != nil {
			t.Fatalf("web_speech_transcripts: %v", err)
		}
		if len(web) != 1 || web[0] != "hola" {
			t.Errorf("unexpected web speech %v", web)
		}
		var chunks []ChunkTranscript
		if err := json.Unmarshal([]byte(r.FormValue("chunk_transcripts")), &chunks); err != nil {
			t.Fatalf("chunk_transcripts: %v", err)
		}
		if len(chunks) != 2 || chunks[1].Text != "doctor" {
			t.Errorf("unexpected chunks %v", chunks)
		}
		if got := r.FormValue("final_transcript"); got != "hola doctor" {
			t.Errorf("expected final transcript, got %q", got)
		}
		_, _ = w.Write([]byte(`{"audio_path":"/data/S1/full.wav"}`))
	}))
	defer ts.Close()

	res, err := newTestClient(ts).EndSession(context.Background(), EndSessionRequest{
		SessionID:        "S1",
		Audio:            []byte("RIFF"),
		MIME:             "audio/wav",
		Ext:              ".wav",
		WebSpeech:        []string{"hola"},
		ChunkTranscripts: []ChunkTranscript{{0, "hola"}, {1, "doctor"}},
		FinalTranscript:  "hola doctor",
	})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if res.AudioPath != "/data/S1/full.wav" {
		t.Errorf("unexpected audio path %q", res.AudioPath)
	}
}

func TestEndSessionFallsBackToLegacyPath(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/end-session") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"audio_path":"a.wav"}`))
	}))
	defer ts.Close()

	res, err := newTestClient(ts).EndSession(context.Background(), EndSessionRequest{SessionID: "S1", Audio: []byte("x")})
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if res.AudioPath != "a.wav" {
		t.Errorf("unexpected audio path %q", res.AudioPath)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[1] != "/sessions/S1/end" {
		t.Errorf("unexpected call sequence %v", paths)
	}
}

func TestMonitorExtractsETA(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pending_chunks":2,"estimated_time_remaining":4.5}`))
	}))
	defer ts.Close()

	rep, err := newTestClient(ts).Monitor(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if rep.ETA != 4500*time.Millisecond {
		t.Errorf("expected 4.5s, got %v", rep.ETA)
	}
	if rep.Raw["pending_chunks"] != float64(2) {
		t.Errorf("raw payload not preserved: %v", rep.Raw)
	}
}

func TestDiarizationStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions/S1/diarization/D1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"completed","progress":1,"segment_count":14}`))
	}))
	defer ts.Close()

	st, err := newTestClient(ts).Diarization(context.Background(), "S1", "D1")
	if err != nil {
		t.Fatalf("Diarization: %v", err)
	}
	if !st.Done() || st.Failed() || st.SegmentCount != 14 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	hs, err := newTestClient(ts).HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !hs.OK {
		t.Errorf("expected healthy, got %+v", hs)
	}

	ts.Close()
	hs, _ = newTestClient(ts).HealthCheck(context.Background())
	if hs.OK {
		t.Error("expected unhealthy after server shutdown")
	}
}

func TestBackoffGrows(t *testing.T) {
	c := NewClient(Config{})
	c.backoffBase = 100 * time.Millisecond
	for attempt, base := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond} {
		got := c.backoff(attempt)
		if got < base || got > base+base/4 {
			t.Errorf("attempt %d: backoff %v outside [%v, %v]", attempt, got, base, base+base/4)
		}
	}
}
