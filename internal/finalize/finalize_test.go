package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/backend"
	"github.com/tiroq/scribe/internal/poller"
	"github.com/tiroq/scribe/internal/session"
)

type fakeAPI struct {
	mu sync.Mutex

	checkpointCalls []int
	endCalls        []backend.EndSessionRequest
	startCalls      int
	diarCalls       int
	monitorCalls    int
	soapCalls       int

	checkpoint  func(last int) (*backend.CheckpointResult, error)
	end         func(call int) (*backend.EndSessionResult, error)
	start       func(call int) (string, error)
	diarization func(call int) (*backend.DiarizationStatus, error)
}

func (f *fakeAPI) Checkpoint(ctx context.Context, sid string, last int) (*backend.CheckpointResult, error) {
	f.mu.Lock()
	f.checkpointCalls = append(f.checkpointCalls, last)
	f.mu.Unlock()
	return f.checkpoint(last)
}

func (f *fakeAPI) Monitor(ctx context.Context, sid string) (*backend.MonitorReport, error) {
	f.mu.Lock()
	f.monitorCalls++
	f.mu.Unlock()
	return &backend.MonitorReport{ETA: 12 * time.Second}, nil
}

func (f *fakeAPI) EndSession(ctx context.Context, req backend.EndSessionRequest) (*backend.EndSessionResult, error) {
	f.mu.Lock()
	f.endCalls = append(f.endCalls, req)
	n := len(f.endCalls)
	f.mu.Unlock()
	if f.end == nil {
		return &backend.EndSessionResult{AudioPath: "/audio/" + req.SessionID + ".wav"}, nil
	}
	return f.end(n)
}

func (f *fakeAPI) StartDiarization(ctx context.Context, sid string) (string, error) {
	f.mu.Lock()
	f.startCalls++
	n := f.startCalls
	f.mu.Unlock()
	if f.start == nil {
		return "D1", nil
	}
	return f.start(n)
}

func (f *fakeAPI) Diarization(ctx context.Context, sid, jobID string) (*backend.DiarizationStatus, error) {
	f.mu.Lock()
	f.diarCalls++
	n := f.diarCalls
	f.mu.Unlock()
	return f.diarization(n)
}

func (f *fakeAPI) GenerateSOAP(ctx context.Context, sid string) (*backend.SOAPResult, error) {
	f.mu.Lock()
	f.soapCalls++
	f.mu.Unlock()
	return &backend.SOAPResult{NoteID: "N-9", Status: "created"}, nil
}

func testConfig() Config {
	return Config{
		WaitCeiling:     50 * time.Millisecond,
		WaitPoll:        time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
		Diarization:     poller.Adaptive{Initial: time.Millisecond, Max: 4 * time.Millisecond, Growth: 2, MaxWait: time.Second},
	}
}

var patient = &session.PatientInfo{ID: "p-3", Name: "Marta Gil"}

// recordChunks appends n one-second WAV segments and resolves them.
func recordChunks(t *testing.T, sess *session.Session, texts ...string) {
	t.Helper()
	samples := make([]int, audio.DefaultFormat.SamplesFor(100*time.Millisecond))
	for i := range samples {
		samples[i] = (i % 50) * 100
	}
	for i, text := range texts {
		seg, err := audio.NewWAVSegment(audio.DefaultFormat, 1, i, samples, time.Now())
		if err != nil {
			t.Fatalf("segment: %v", err)
		}
		sess.AppendSegment(seg)
		idx, _ := sess.AllocateIndex(1, i)
		sess.Begin(idx)
		sess.Complete(idx, text, "", 0)
		sess.Release(idx)
	}
}

func TestCheckpointConcatenatesUploadedChunks(t *testing.T) {
	api := &fakeAPI{checkpoint: func(last int) (*backend.CheckpointResult, error) {
		return &backend.CheckpointResult{ChunksConcatenated: last + 1, FullAudioSize: 64000}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno", "dos")

	cs, err := c.Checkpoint(context.Background(), sess)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(api.checkpointCalls) != 1 || api.checkpointCalls[0] != 1 {
		t.Fatalf("checkpoint calls = %v, want [1]", api.checkpointCalls)
	}
	if cs.Phase != session.CheckpointSuccess || cs.ChunksConcatenated != 2 || cs.FullAudioSize != 64000 {
		t.Errorf("state = %+v", cs)
	}
	if cs.PreviewSize == 0 {
		t.Error("local preview not built")
	}
}

func TestCheckpointWaitsForInFlightUpload(t *testing.T) {
	api := &fakeAPI{checkpoint: func(last int) (*backend.CheckpointResult, error) {
		return &backend.CheckpointResult{ChunksConcatenated: last + 1}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	c.cfg.WaitCeiling = 2 * time.Second
	sess := session.New(patient)
	recordChunks(t, sess, "uno", "dos")
	idx, _ := sess.AllocateIndex(2, 0)

	go func() {
		time.Sleep(30 * time.Millisecond)
		sess.MarkUploaded(idx)
	}()

	cs, err := c.Checkpoint(context.Background(), sess)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(api.checkpointCalls) != 1 || api.checkpointCalls[0] != 2 {
		t.Fatalf("checkpoint calls = %v, want [2]", api.checkpointCalls)
	}
	if cs.ChunksConcatenated != 3 {
		t.Errorf("state = %+v", cs)
	}
}

func TestCheckpointExcludesUnacknowledgedUpload(t *testing.T) {
	api := &fakeAPI{checkpoint: func(last int) (*backend.CheckpointResult, error) {
		return &backend.CheckpointResult{ChunksConcatenated: last + 1}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno", "dos")
	sess.AllocateIndex(2, 0)

	if _, err := c.Checkpoint(context.Background(), sess); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(api.checkpointCalls) != 1 || api.checkpointCalls[0] != 1 {
		t.Fatalf("checkpoint calls = %v, want [1]", api.checkpointCalls)
	}
}

func TestCheckpointSkippedWithoutChunks(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)

	cs, err := c.Checkpoint(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if cs.Phase != session.CheckpointNone || len(api.checkpointCalls) != 0 {
		t.Errorf("state = %+v calls = %v", cs, api.checkpointCalls)
	}
}

func TestCheckpointError(t *testing.T) {
	api := &fakeAPI{checkpoint: func(int) (*backend.CheckpointResult, error) {
		return nil, errors.New("http 500: boom")
	}}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno")

	cs, err := c.Checkpoint(context.Background(), sess)
	if err == nil {
		t.Fatal("expected error")
	}
	if cs.Phase != session.CheckpointError || cs.Error == "" {
		t.Errorf("state = %+v", cs)
	}
}

func TestFinalizeSendsThreeSources(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "hola", "doctor")
	sess.AddWebSpeech("hola doctor")

	res, err := c.Finalize(context.Background(), sess)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.AudioPath == "" || res.DiarizationJobID != "D1" || len(res.Abandoned) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(api.endCalls) != 1 {
		t.Fatalf("end calls = %d", len(api.endCalls))
	}
	req := api.endCalls[0]
	if req.FinalTranscript != "hola doctor" {
		t.Errorf("final transcript = %q", req.FinalTranscript)
	}
	if len(req.WebSpeech) != 1 || req.WebSpeech[0] != "hola doctor" {
		t.Errorf("web speech = %v", req.WebSpeech)
	}
	if len(req.ChunkTranscripts) != 2 || req.ChunkTranscripts[1].Text != "doctor" {
		t.Errorf("chunk transcripts = %+v", req.ChunkTranscripts)
	}
	if req.MIME != audio.MIMEWAV || len(req.Audio) == 0 {
		t.Errorf("audio = %d bytes of %s", len(req.Audio), req.MIME)
	}
	buf, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		t.Fatalf("full audio: %v", err)
	}
	if want := 2 * audio.DefaultFormat.SamplesFor(100*time.Millisecond); len(buf.Data) != want {
		t.Errorf("full audio samples = %d, want %d", len(buf.Data), want)
	}
	if sess.AudioPath() != res.AudioPath || sess.Diarization().JobID != "D1" {
		t.Error("session not updated")
	}
}

func TestFinalizeAbandonsAfterCeiling(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno")

	// Chunk 1 is uploaded but never resolves.
	samples := make([]int, 160)
	seg, _ := audio.NewWAVSegment(audio.DefaultFormat, 1, 1, samples, time.Now())
	sess.AppendSegment(seg)
	idx, _ := sess.AllocateIndex(1, 1)
	sess.Begin(idx)
	sess.MarkPending(idx, "J5")

	start := time.Now()
	res, err := c.Finalize(context.Background(), sess)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("finalize did not wait: %v", elapsed)
	}
	if len(res.Abandoned) != 1 || res.Abandoned[0] != 1 {
		t.Errorf("abandoned = %v, want [1]", res.Abandoned)
	}
	if got := sess.Abandoned(); len(got) != 1 {
		t.Errorf("session abandoned = %v", got)
	}
	if api.monitorCalls == 0 {
		t.Error("monitor never consulted while waiting")
	}
	if len(api.endCalls) != 1 || api.endCalls[0].FinalTranscript != "uno" {
		t.Errorf("upload after abandon = %+v", api.endCalls)
	}
}

func TestFinalizeWaitsForLateChunk(t *testing.T) {
	api := &fakeAPI{}
	cfg := testConfig()
	cfg.WaitCeiling = 2 * time.Second
	c := New(api, cfg, nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno")

	sess.AllocateIndex(1, 1)
	sess.Begin(1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Complete(1, "dos", "", 0)
	}()

	res, err := c.Finalize(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Abandoned) != 0 {
		t.Errorf("abandoned = %v", res.Abandoned)
	}
	if api.endCalls[0].FinalTranscript != "uno dos" {
		t.Errorf("final transcript = %q", api.endCalls[0].FinalTranscript)
	}
}

func TestFinalizeWaitsForAdmittedChunk(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), nil, nil)
	c.cfg.WaitCeiling = 2 * time.Second
	sess := session.New(patient)
	recordChunks(t, sess, "buenos dias")

	// Admitted but not yet picked up by its submit goroutine.
	idx, _ := sess.AllocateIndex(1, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		sess.Begin(idx)
		sess.Complete(idx, "ultimo fragmento", "", 0)
		sess.Release(idx)
	}()

	res, err := c.Finalize(context.Background(), sess)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(res.Abandoned) != 0 {
		t.Errorf("abandoned = %v", res.Abandoned)
	}
	if len(api.endCalls) != 1 || api.endCalls[0].FinalTranscript != "buenos dias ultimo fragmento" {
		t.Fatalf("end calls = %+v", api.endCalls)
	}
}

func TestFinalizeRetryResumes(t *testing.T) {
	api := &fakeAPI{
		end: func(call int) (*backend.EndSessionResult, error) {
			if call == 1 {
				return nil, errors.New("http 502: bad gateway")
			}
			return &backend.EndSessionResult{AudioPath: "/audio/full.wav"}, nil
		},
		start: func(call int) (string, error) {
			if call == 1 {
				return "", errors.New("http 503: busy")
			}
			return "D2", nil
		},
	}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno")

	if _, err := c.Finalize(context.Background(), sess); err == nil {
		t.Fatal("first attempt should fail on upload")
	}
	if _, err := c.Finalize(context.Background(), sess); err == nil {
		t.Fatal("second attempt should fail on diarization")
	}
	res, err := c.Finalize(context.Background(), sess)
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if len(api.endCalls) != 2 {
		t.Errorf("upload calls = %d, want 2 (not repeated after success)", len(api.endCalls))
	}
	if res.DiarizationJobID != "D2" || res.AudioPath != "/audio/full.wav" {
		t.Errorf("result = %+v", res)
	}
}

func TestFinalizeWithoutAudio(t *testing.T) {
	c := New(&fakeAPI{}, testConfig(), nil, nil)
	if _, err := c.Finalize(context.Background(), session.New(patient)); !errors.Is(err, ErrNoAudio) {
		t.Errorf("err = %v, want ErrNoAudio", err)
	}
}

func TestAwaitDiarizationSuccess(t *testing.T) {
	api := &fakeAPI{diarization: func(call int) (*backend.DiarizationStatus, error) {
		if call < 3 {
			return &backend.DiarizationStatus{Status: "processing", Progress: float64(call) * 0.3}, nil
		}
		return &backend.DiarizationStatus{Status: "completed", Progress: 1, SegmentCount: 14}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	sess.SetDiarization(session.DiarizationProgress{JobID: "D1"})

	st, err := c.AwaitDiarization(context.Background(), sess, "D1")
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if st.SegmentCount != 14 {
		t.Errorf("segments = %d", st.SegmentCount)
	}
	d := sess.Diarization()
	if d.Polls != 3 || d.Progress != 1 || d.Status != "completed" {
		t.Errorf("progress = %+v", d)
	}
}

func TestAwaitDiarizationFailure(t *testing.T) {
	api := &fakeAPI{diarization: func(int) (*backend.DiarizationStatus, error) {
		return &backend.DiarizationStatus{Status: "failed", Error: "no speech"}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	_, err := c.AwaitDiarization(context.Background(), session.New(patient), "D1")
	if !errors.Is(err, ErrDiarizationFailed) {
		t.Errorf("err = %v, want ErrDiarizationFailed", err)
	}
}

func TestAwaitDiarizationCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{diarization: func(call int) (*backend.DiarizationStatus, error) {
		if call == 2 {
			cancel()
		}
		return &backend.DiarizationStatus{Status: "processing"}, nil
	}}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	recordChunks(t, sess, "uno")

	_, err := c.AwaitDiarization(ctx, sess, "D1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if api.diarCalls != 2 {
		t.Errorf("polls = %d, want polling to stop at 2", api.diarCalls)
	}
	if sess.FinalTranscript() != "uno" || len(sess.Segments()) != 1 {
		t.Error("cancel touched session data")
	}
}

func TestGenerateSOAP(t *testing.T) {
	api := &fakeAPI{}
	c := New(api, testConfig(), nil, nil)
	sess := session.New(patient)
	if _, err := c.GenerateSOAP(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	if sess.SOAPNote() != "N-9" {
		t.Errorf("note = %q", sess.SOAPNote())
	}
}
