package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// StreamRequest is a decoded POST /stream upload.
type StreamRequest struct {
	SessionID string
	Chunk     int
	MIME      string
	Filename  string
	AudioSize int
	Fields    map[string]string
}

// EndRequest is a decoded end-session upload.
type EndRequest struct {
	SessionID string
	Path      string
	Fields    map[string]string
	AudioSize int
}

// Reply is a scripted response: an HTTP status and a JSON body.
type Reply struct {
	Status int
	Body   interface{}
}

// Hooks script the backend's replies. Nil hooks use defaults.
type Hooks struct {
	Stream            func(req StreamRequest) Reply
	Job               func(jobID string, call int) Reply
	Checkpoint        func(sessionID string, last int) Reply
	End               func(req EndRequest, call int) Reply
	StartDiarization  func(sessionID string) Reply
	DiarizationStatus func(jobID string, call int) Reply
	Monitor           func(sessionID string) Reply
	SOAP              func(sessionID string) Reply
}

// MockBackend is a scripted fake of the transcription backend.
type MockBackend struct {
	server *httptest.Server

	mu          sync.Mutex
	hooks       Hooks
	streams     []StreamRequest
	jobCalls    map[string]int
	checkpoints []int
	ends        []EndRequest
	diarStarts  int
	diarCalls   int
	soapCalls   int
	audioBytes  map[string]int
}

// NewMockBackend starts the fake server with the given script.
func NewMockBackend(hooks Hooks) *MockBackend {
	m := &MockBackend{hooks: hooks, jobCalls: map[string]int{}, audioBytes: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream", m.handleStream)
	mux.HandleFunc("GET /jobs/{job}", m.handleJob)
	mux.HandleFunc("POST /sessions/{id}/checkpoint", m.handleCheckpoint)
	mux.HandleFunc("POST /sessions/{id}/end-session", m.handleEnd)
	mux.HandleFunc("POST /sessions/{id}/diarization", m.handleStartDiarization)
	mux.HandleFunc("GET /sessions/{id}/diarization/{job}", m.handleDiarizationStatus)
	mux.HandleFunc("GET /sessions/{id}/monitor", m.handleMonitor)
	mux.HandleFunc("POST /sessions/{id}/soap", m.handleSOAP)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeReply(w, Reply{Body: map[string]interface{}{"ok": true}})
	})
	m.server = httptest.NewServer(mux)
	return m
}

// Update changes the script while the server runs.
func (m *MockBackend) Update(fn func(h *Hooks)) {
	m.mu.Lock()
	fn(&m.hooks)
	m.mu.Unlock()
}

// URL returns the base URL.
func (m *MockBackend) URL() string { return m.server.URL }

// Close shuts the server down.
func (m *MockBackend) Close() { m.server.Close() }

func writeReply(w http.ResponseWriter, r Reply) {
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Status)
	if r.Body != nil {
		_ = json.NewEncoder(w).Encode(r.Body)
	}
}

// parseForm reads a multipart upload, returning its text fields and the
// audio part's filename, content type and size.
func parseForm(r *http.Request) (fields map[string]string, filename, mime string, size int, err error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", "", 0, err
	}
	fields = map[string]string{}
	for k, v := range r.MultipartForm.Value {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	if fhs := r.MultipartForm.File["audio"]; len(fhs) > 0 {
		fh := fhs[0]
		f, err := fh.Open()
		if err != nil {
			return nil, "", "", 0, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, "", "", 0, err
		}
		filename, mime, size = fh.Filename, fh.Header.Get("Content-Type"), len(data)
	}
	return fields, filename, mime, size, nil
}

func (m *MockBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	fields, filename, mime, size, err := parseForm(r)
	if err != nil {
		writeReply(w, Reply{Status: http.StatusBadRequest, Body: map[string]string{"error": err.Error()}})
		return
	}
	chunk, _ := strconv.Atoi(fields["chunk_number"])
	req := StreamRequest{
		SessionID: fields["session_id"],
		Chunk:     chunk,
		MIME:      mime,
		Filename:  filename,
		AudioSize: size,
		Fields:    fields,
	}
	m.mu.Lock()
	m.streams = append(m.streams, req)
	m.audioBytes[req.SessionID] += size
	fn := m.hooks.Stream
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]interface{}{"status": "completed", "transcript": "chunk " + strconv.Itoa(chunk)}})
		return
	}
	writeReply(w, fn(req))
}

func (m *MockBackend) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job")
	m.mu.Lock()
	m.jobCalls[id]++
	n := m.jobCalls[id]
	fn := m.hooks.Job
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]interface{}{"status": "SUCCESS", "result": map[string]string{"transcript": "job " + id}}})
		return
	}
	writeReply(w, fn(id, n))
}

func (m *MockBackend) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	var in struct {
		LastChunkIndex int `json:"last_chunk_index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeReply(w, Reply{Status: http.StatusBadRequest})
		return
	}
	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, in.LastChunkIndex)
	size := m.audioBytes[sid]
	fn := m.hooks.Checkpoint
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]interface{}{
			"chunks_concatenated": in.LastChunkIndex + 1,
			"full_audio_size":     size,
		}})
		return
	}
	writeReply(w, fn(sid, in.LastChunkIndex))
}

func (m *MockBackend) handleEnd(w http.ResponseWriter, r *http.Request) {
	fields, _, _, size, err := parseForm(r)
	if err != nil {
		writeReply(w, Reply{Status: http.StatusBadRequest})
		return
	}
	req := EndRequest{SessionID: r.PathValue("id"), Path: r.URL.Path, Fields: fields, AudioSize: size}
	m.mu.Lock()
	m.ends = append(m.ends, req)
	n := len(m.ends)
	fn := m.hooks.End
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]string{"audio_path": "/recordings/" + req.SessionID + ".wav"}})
		return
	}
	writeReply(w, fn(req, n))
}

func (m *MockBackend) handleStartDiarization(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	m.mu.Lock()
	m.diarStarts++
	fn := m.hooks.StartDiarization
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]string{"job_id": "diar-1"}})
		return
	}
	writeReply(w, fn(sid))
}

func (m *MockBackend) handleDiarizationStatus(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	m.mu.Lock()
	m.diarCalls++
	n := m.diarCalls
	fn := m.hooks.DiarizationStatus
	m.mu.Unlock()

	if fn == nil {
		writeReply(w, Reply{Body: map[string]interface{}{"status": "completed", "progress": 1.0, "segment_count": 3}})
		return
	}
	writeReply(w, fn(job, n))
}

func (m *MockBackend) handleMonitor(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	fn := m.hooks.Monitor
	m.mu.Unlock()
	if fn == nil {
		writeReply(w, Reply{Body: map[string]interface{}{"estimated_time_remaining": 4}})
		return
	}
	writeReply(w, fn(r.PathValue("id")))
}

func (m *MockBackend) handleSOAP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.soapCalls++
	fn := m.hooks.SOAP
	m.mu.Unlock()
	if fn == nil {
		writeReply(w, Reply{Body: map[string]string{"note_id": "note-1", "status": "created"}})
		return
	}
	writeReply(w, fn(r.PathValue("id")))
}

// Streams returns the chunk uploads received so far.
func (m *MockBackend) Streams() []StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StreamRequest(nil), m.streams...)
}

// JobCalls returns how often jobID was polled.
func (m *MockBackend) JobCalls(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobCalls[jobID]
}

// Checkpoints returns the last_chunk_index of every checkpoint request.
func (m *MockBackend) Checkpoints() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.checkpoints...)
}

// Ends returns the end-session uploads received so far.
func (m *MockBackend) Ends() []EndRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EndRequest(nil), m.ends...)
}

// DiarizationStarts returns how many diarization jobs were requested.
func (m *MockBackend) DiarizationStarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diarStarts
}

// DiarizationPolls returns how many diarization status polls were made.
func (m *MockBackend) DiarizationPolls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diarCalls
}

// SOAPCalls returns how many SOAP notes were requested.
func (m *MockBackend) SOAPCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.soapCalls
}
