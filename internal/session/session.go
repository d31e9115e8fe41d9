// Package session holds the data of one consultation recording: the chunk
// counter, the ordered audio segments and the three transcript sources.
// All mutation goes through Session methods guarded by a single mutex.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/scribe/internal/audio"
)

// MaxActivity is the number of activity lines kept per session.
const MaxActivity = 200

// PatientInfo is the consultation context attached before recording.
type PatientInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Age    int    `json:"age,omitempty"`
	Sex    string `json:"sex,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Valid reports whether the minimum context to start a session is present.
func (p *PatientInfo) Valid() bool {
	return p != nil && strings.TrimSpace(p.ID) != "" && strings.TrimSpace(p.Name) != ""
}

// Fields returns the metadata form fields sent with chunk 0.
func (p *PatientInfo) Fields() map[string]string {
	if p == nil {
		return nil
	}
	f := map[string]string{
		"patient_id":   p.ID,
		"patient_name": p.Name,
	}
	if p.Age > 0 {
		f["patient_age"] = strconv.Itoa(p.Age)
	}
	if p.Sex != "" {
		f["patient_sex"] = p.Sex
	}
	if p.Reason != "" {
		f["consultation_reason"] = p.Reason
	}
	return f
}

// ChunkStatus is the lifecycle of one uploaded chunk.
type ChunkStatus string

const (
	ChunkUploading  ChunkStatus = "uploading"
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// ChunkRecord tracks one chunk from upload to resolution.
type ChunkRecord struct {
	Index         int           `json:"index"`
	Status        ChunkStatus   `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	Latency       time.Duration `json:"latency,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	Provider      string        `json:"provider,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	RetryAttempts int           `json:"retry_attempts,omitempty"`
	Uploaded      bool          `json:"uploaded"` // the server acknowledged the upload
	JobID         string        `json:"job_id,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// IndexedText is a transcript tagged with its chunk index.
type IndexedText struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// CheckpointPhase is the progress of the latest pause checkpoint.
type CheckpointPhase string

const (
	CheckpointNone     CheckpointPhase = ""
	CheckpointCreating CheckpointPhase = "creating"
	CheckpointSuccess  CheckpointPhase = "success"
	CheckpointError    CheckpointPhase = "error"
)

// CheckpointState is the latest checkpoint outcome shown to the UI.
type CheckpointState struct {
	Phase              CheckpointPhase `json:"phase"`
	LastChunkIndex     int             `json:"last_chunk_index"`
	ChunksConcatenated int             `json:"chunks_concatenated,omitempty"`
	FullAudioSize      int64           `json:"full_audio_size,omitempty"`
	PreviewSize        int             `json:"preview_size,omitempty"`
	Error              string          `json:"error,omitempty"`
	At                 time.Time       `json:"at"`
}

// DiarizationProgress is the latest diarization poll.
type DiarizationProgress struct {
	JobID        string        `json:"job_id,omitempty"`
	Status       string        `json:"status,omitempty"`
	Progress     float64       `json:"progress"`
	SegmentCount int           `json:"segment_count,omitempty"`
	Polls        int           `json:"polls"`
	Interval     time.Duration `json:"interval"`
}

type runSeq struct{ run, seq int }

// Session is the aggregate of one recording.
type Session struct {
	mu sync.Mutex

	id        string
	patient   *PatientInfo
	createdAt time.Time

	chunkCounter int
	seqIndex     map[runSeq]int
	inFlight     map[string]struct{}
	submitted    map[int]struct{}
	chunks       map[int]*ChunkRecord

	segments  []audio.Segment
	webSpeech []string

	activity []string

	checkpoint  CheckpointState
	audioPath   string
	diarization DiarizationProgress
	soapNoteID  string
	abandoned   []int

	now func() time.Time
}

// New creates a session with a fresh id.
func New(patient *PatientInfo) *Session {
	s := &Session{
		id:        uuid.New().String(),
		seqIndex:  make(map[runSeq]int),
		inFlight:  make(map[string]struct{}),
		submitted: make(map[int]struct{}),
		chunks:    make(map[int]*ChunkRecord),
		now:       time.Now,
	}
	if patient != nil {
		p := *patient
		s.patient = &p
	}
	s.createdAt = s.now()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Patient returns a copy of the attached patient info.
func (s *Session) Patient() *PatientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patient == nil {
		return nil
	}
	p := *s.patient
	return &p
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AppendSegment stores a captured segment. Segments are never modified
// once appended.
func (s *Session) AppendSegment(seg audio.Segment) {
	seg.Data = append([]byte(nil), seg.Data...)
	s.mu.Lock()
	s.segments = append(s.segments, seg)
	s.mu.Unlock()
}

// Segments returns the captured segments in capture order.
func (s *Session) Segments() []audio.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Segment(nil), s.segments...)
}

// AllocateIndex assigns the next chunk index to the segment identified by
// run and seq and creates its uploading record. A segment seen before keeps
// its index and fresh is false.
func (s *Session) AllocateIndex(run, seq int) (idx int, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runSeq{run, seq}
	if i, ok := s.seqIndex[key]; ok {
		return i, false
	}
	idx = s.chunkCounter
	s.chunkCounter++
	s.seqIndex[key] = idx
	s.chunks[idx] = &ChunkRecord{Index: idx, Status: ChunkUploading, StartTime: s.now()}
	return idx, true
}

// ChunkCount returns how many chunk indices have been allocated.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCounter
}

// LastAllocatedIndex returns the highest allocated index, or -1.
func (s *Session) LastAllocatedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunkCounter - 1
}

func (s *Session) key(idx int) string {
	return s.id + ":" + strconv.Itoa(idx)
}

// Begin marks chunk idx as in flight. It returns false when the chunk is
// already in flight or already resolved. Every submission after the first
// counts as a retry.
func (s *Session) Begin(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(idx)
	if _, busy := s.inFlight[k]; busy {
		return false
	}
	rec, ok := s.chunks[idx]
	if !ok {
		rec = &ChunkRecord{Index: idx, Status: ChunkUploading, StartTime: s.now()}
		s.chunks[idx] = rec
	}
	if rec.Status.Terminal() {
		return false
	}
	if _, again := s.submitted[idx]; again {
		rec.RetryAttempts++
	}
	s.submitted[idx] = struct{}{}
	s.inFlight[k] = struct{}{}
	return true
}

// Release clears the in-flight mark of chunk idx.
func (s *Session) Release(idx int) {
	s.mu.Lock()
	delete(s.inFlight, s.key(idx))
	s.mu.Unlock()
}

// InFlight reports whether chunk idx is being submitted or resolved.
func (s *Session) InFlight(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[s.key(idx)]
	return ok
}

// mutable returns the record for idx if it may still change. Caller holds mu.
func (s *Session) mutable(idx int) *ChunkRecord {
	rec, ok := s.chunks[idx]
	if !ok || rec.Status.Terminal() {
		return nil
	}
	return rec
}

// MarkUploaded records that the server acknowledged the upload of chunk
// idx, whatever it answered.
func (s *Session) MarkUploaded(idx int) {
	s.mu.Lock()
	if rec, ok := s.chunks[idx]; ok {
		rec.Uploaded = true
	}
	s.mu.Unlock()
}

// LastUploadedIndex returns the highest chunk index whose upload the
// server acknowledged, or -1.
func (s *Session) LastUploadedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := -1
	for idx, rec := range s.chunks {
		if rec.Uploaded && idx > last {
			last = idx
		}
	}
	return last
}

// Unacknowledged returns the chunks still waiting for their upload to be
// answered, ascending. Chunks whose upload failed are not included.
func (s *Session) Unacknowledged() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for idx, rec := range s.chunks {
		if !rec.Uploaded && !rec.Status.Terminal() {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// MarkPending records that chunk idx was queued under jobID.
func (s *Session) MarkPending(idx int, jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.mutable(idx)
	if rec == nil {
		return false
	}
	rec.Status = ChunkPending
	rec.JobID = jobID
	rec.Uploaded = true
	return true
}

// MarkProcessing records that a worker picked up chunk idx.
func (s *Session) MarkProcessing(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.mutable(idx)
	if rec == nil {
		return false
	}
	rec.Status = ChunkProcessing
	rec.Uploaded = true
	return true
}

// Complete resolves chunk idx with its transcript.
func (s *Session) Complete(idx int, transcript, provider string, confidence float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.mutable(idx)
	if rec == nil {
		return false
	}
	rec.Status = ChunkCompleted
	rec.Uploaded = true
	rec.Transcript = strings.TrimSpace(transcript)
	rec.Provider = provider
	rec.Confidence = confidence
	rec.Latency = s.now().Sub(rec.StartTime)
	rec.Error = ""
	return true
}

// Fail resolves chunk idx as failed.
func (s *Session) Fail(idx int, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.mutable(idx)
	if rec == nil {
		return false
	}
	rec.Status = ChunkFailed
	rec.Latency = s.now().Sub(rec.StartTime)
	if err != nil {
		rec.Error = err.Error()
	}
	return true
}

// Chunk returns a copy of the record for idx.
func (s *Session) Chunk(idx int) (ChunkRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.chunks[idx]
	if !ok {
		return ChunkRecord{}, false
	}
	return *rec, true
}

// Pending returns the indices of chunks not yet resolved, ascending. A
// chunk counts from the moment its index is allocated.
func (s *Session) Pending() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for idx, rec := range s.chunks {
		if !rec.Status.Terminal() {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// sortedChunks returns record copies in index order. Caller holds mu.
func (s *Session) sortedChunks() []ChunkRecord {
	out := make([]ChunkRecord, 0, len(s.chunks))
	for _, rec := range s.chunks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func chunkTexts(recs []ChunkRecord) []IndexedText {
	var out []IndexedText
	for _, r := range recs {
		if r.Status == ChunkCompleted && r.Transcript != "" {
			out = append(out, IndexedText{Index: r.Index, Text: r.Transcript})
		}
	}
	return out
}

func joinTexts(texts []IndexedText) string {
	parts := make([]string, len(texts))
	for i, t := range texts {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}

// ChunkTranscripts returns the completed chunk transcripts in index order.
func (s *Session) ChunkTranscripts() []IndexedText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chunkTexts(s.sortedChunks())
}

// FinalTranscript joins completed chunk transcripts in index order,
// regardless of the order they resolved in.
func (s *Session) FinalTranscript() string {
	return joinTexts(s.ChunkTranscripts())
}

// AddWebSpeech appends a final instant-preview transcript.
func (s *Session) AddWebSpeech(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.webSpeech = append(s.webSpeech, text)
	s.mu.Unlock()
}

// WebSpeech returns the instant-preview transcripts in arrival order.
func (s *Session) WebSpeech() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.webSpeech...)
}

// Logf appends a timestamped line to the activity log.
func (s *Session) Logf(format string, args ...interface{}) {
	line := s.now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.activity = append(s.activity, line)
	if n := len(s.activity) - MaxActivity; n > 0 {
		s.activity = append([]string(nil), s.activity[n:]...)
	}
	s.mu.Unlock()
}

// Activity returns the activity log, oldest first.
func (s *Session) Activity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activity...)
}

// SetCheckpoint replaces the checkpoint state.
func (s *Session) SetCheckpoint(cs CheckpointState) {
	s.mu.Lock()
	if cs.At.IsZero() {
		cs.At = s.now()
	}
	s.checkpoint = cs
	s.mu.Unlock()
}

// Checkpoint returns the latest checkpoint state.
func (s *Session) Checkpoint() CheckpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// SetAudioPath records where the server stored the full recording.
func (s *Session) SetAudioPath(p string) {
	s.mu.Lock()
	s.audioPath = p
	s.mu.Unlock()
}

// AudioPath returns the stored recording path, empty before upload.
func (s *Session) AudioPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioPath
}

// SetDiarization replaces the diarization progress.
func (s *Session) SetDiarization(d DiarizationProgress) {
	s.mu.Lock()
	s.diarization = d
	s.mu.Unlock()
}

// Diarization returns the latest diarization progress.
func (s *Session) Diarization() DiarizationProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diarization
}

// SetSOAPNote records the id of the generated SOAP note.
func (s *Session) SetSOAPNote(id string) {
	s.mu.Lock()
	s.soapNoteID = id
	s.mu.Unlock()
}

// SOAPNote returns the generated SOAP note id.
func (s *Session) SOAPNote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soapNoteID
}

// SetAbandoned records chunks that were still unresolved at finalize.
func (s *Session) SetAbandoned(idx []int) {
	s.mu.Lock()
	s.abandoned = append([]int(nil), idx...)
	s.mu.Unlock()
}

// Abandoned returns the chunks abandoned at finalize.
func (s *Session) Abandoned() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.abandoned...)
}

// Stats are the live figures shown while recording.
type Stats struct {
	Total          int           `json:"total"`
	Completed      int           `json:"completed"`
	Failed         int           `json:"failed"`
	Pending        int           `json:"pending"`
	CurrentLatency time.Duration `json:"current_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	WordsPerMinute float64       `json:"words_per_minute"`
}

// Stats computes counters, latencies and the speaking rate over recorded,
// the time actually spent recording.
func (s *Session) Stats(recorded time.Duration) Stats {
	s.mu.Lock()
	recs := s.sortedChunks()
	s.mu.Unlock()

	var (
		st      Stats
		sum     time.Duration
		latest  time.Time
		words   int
		latency []time.Duration
	)
	st.Total = len(recs)
	for _, r := range recs {
		switch r.Status {
		case ChunkCompleted:
			st.Completed++
			words += len(strings.Fields(r.Transcript))
			sum += r.Latency
			latency = append(latency, r.Latency)
			if done := r.StartTime.Add(r.Latency); done.After(latest) {
				latest = done
				st.CurrentLatency = r.Latency
			}
		case ChunkFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	if len(latency) > 0 {
		st.AverageLatency = sum / time.Duration(len(latency))
	}
	if recorded >= time.Second {
		st.WordsPerMinute = float64(words) / recorded.Minutes()
	}
	return st
}

// Snapshot is a deep copy of the session for display.
type Snapshot struct {
	ID               string              `json:"id"`
	Patient          *PatientInfo        `json:"patient,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ChunkCount       int                 `json:"chunk_count"`
	SegmentCount     int                 `json:"segment_count"`
	Chunks           []ChunkRecord       `json:"chunks"`
	WebSpeech        []string            `json:"web_speech_transcripts"`
	ChunkTranscripts []IndexedText       `json:"chunk_transcripts"`
	FinalTranscript  string              `json:"final_transcript"`
	Activity         []string            `json:"activity"`
	Checkpoint       CheckpointState     `json:"checkpoint"`
	AudioPath        string              `json:"audio_path,omitempty"`
	Diarization      DiarizationProgress `json:"diarization"`
	SOAPNoteID       string              `json:"soap_note_id,omitempty"`
	Abandoned        []int               `json:"abandoned,omitempty"`
}

// Snapshot returns a copy of everything the UI reads.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedChunks()
	texts := chunkTexts(recs)
	snap := Snapshot{
		ID:               s.id,
		CreatedAt:        s.createdAt,
		ChunkCount:       s.chunkCounter,
		SegmentCount:     len(s.segments),
		Chunks:           recs,
		WebSpeech:        append([]string(nil), s.webSpeech...),
		ChunkTranscripts: texts,
		FinalTranscript:  joinTexts(texts),
		Activity:         append([]string(nil), s.activity...),
		Checkpoint:       s.checkpoint,
		AudioPath:        s.audioPath,
		Diarization:      s.diarization,
		SOAPNoteID:       s.soapNoteID,
		Abandoned:        append([]int(nil), s.abandoned...),
	}
	if s.patient != nil {
		p := *s.patient
		snap.Patient = &p
	}
	return snap
}
