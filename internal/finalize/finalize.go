// Package finalize runs the pause checkpoint and the end-of-session
// handoff: full upload, diarization and SOAP generation.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/backend"
	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/metrics"
	"github.com/tiroq/scribe/internal/poller"
	"github.com/tiroq/scribe/internal/session"
)

var (
	ErrCancelled           = errors.New("finalize: diarization polling cancelled")
	ErrDiarizationFailed   = errors.New("finalize: diarization failed")
	ErrDiarizationTimedOut = errors.New("finalize: diarization timed out")
	ErrNoAudio             = errors.New("finalize: no audio recorded")
)

// API is the part of the backend the controller needs.
type API interface {
	Checkpoint(ctx context.Context, sessionID string, lastChunkIndex int) (*backend.CheckpointResult, error)
	Monitor(ctx context.Context, sessionID string) (*backend.MonitorReport, error)
	EndSession(ctx context.Context, req backend.EndSessionRequest) (*backend.EndSessionResult, error)
	StartDiarization(ctx context.Context, sessionID string) (string, error)
	Diarization(ctx context.Context, sessionID, jobID string) (*backend.DiarizationStatus, error)
	GenerateSOAP(ctx context.Context, sessionID string) (*backend.SOAPResult, error)
}

// Config configures the controller.
type Config struct {
	WaitCeiling     time.Duration // how long finalize waits for unresolved chunks
	WaitPoll        time.Duration // how often pending chunks are re-checked
	MonitorInterval time.Duration // minimum gap between monitor calls while waiting
	Diarization     poller.Adaptive
}

// DefaultConfig returns the standard finalize settings.
func DefaultConfig() Config {
	return Config{
		WaitCeiling:     30 * time.Second,
		WaitPoll:        500 * time.Millisecond,
		MonitorInterval: 5 * time.Second,
		Diarization: poller.Adaptive{
			Initial: time.Second,
			Max:     10 * time.Second,
			Growth:  1.5,
			MaxWait: 30 * time.Minute,
		},
	}
}

// Result is the outcome of Finalize.
type Result struct {
	AudioPath        string
	DiarizationJobID string
	Abandoned        []int
}

// Controller runs checkpoint and finalize against the backend.
type Controller struct {
	api     API
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	diagMu sync.RWMutex
	diag   *diaglog.Logger
}

// New creates a controller.
func New(api API, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Controller {
	def := DefaultConfig()
	if cfg.WaitCeiling <= 0 {
		cfg.WaitCeiling = def.WaitCeiling
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = def.WaitPoll
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = def.MonitorInterval
	}
	if cfg.Diarization.Initial <= 0 {
		cfg.Diarization = def.Diarization
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{api: api, cfg: cfg, logger: logger, metrics: m}
}

// SetDiagLogger injects the diagnostic trail.
func (c *Controller) SetDiagLogger(l *diaglog.Logger) {
	c.diagMu.Lock()
	c.diag = l
	c.diagMu.Unlock()
}

func (c *Controller) log(entry diaglog.LogEntry) {
	c.diagMu.RLock()
	l := c.diag
	c.diagMu.RUnlock()
	if entry.Component == "" {
		entry.Component = diaglog.ComponentFinalize
	}
	l.Log(entry)
}

// Checkpoint asks the server to concatenate everything uploaded so far and
// builds the local preview of the recording. Uploads still in flight, such
// as the partial segment flushed by the pause, are given up to WaitCeiling
// to be acknowledged first. It does nothing when no upload was acknowledged.
func (c *Controller) Checkpoint(ctx context.Context, sess *session.Session) (session.CheckpointState, error) {
	if err := c.awaitUploads(ctx, sess); err != nil {
		return sess.Checkpoint(), fmt.Errorf("checkpoint: %w", err)
	}
	last := sess.LastUploadedIndex()
	if last < 0 {
		c.logger.Debug("checkpoint skipped: nothing uploaded", "session", sess.ID())
		return sess.Checkpoint(), nil
	}

	sess.SetCheckpoint(session.CheckpointState{Phase: session.CheckpointCreating, LastChunkIndex: last})
	sess.Logf("checkpoint requested up to chunk %d", last)

	res, err := c.api.Checkpoint(ctx, sess.ID(), last)
	if err != nil {
		cs := session.CheckpointState{Phase: session.CheckpointError, LastChunkIndex: last, Error: err.Error()}
		sess.SetCheckpoint(cs)
		sess.Logf("checkpoint failed: %v", err)
		c.metrics.RecordCheckpoint(false)
		c.log(diaglog.LogEntry{Event: diaglog.EventCheckpoint, SessionID: sess.ID(), Reason: err.Error()})
		return sess.Checkpoint(), fmt.Errorf("checkpoint: %w", err)
	}

	cs := session.CheckpointState{
		Phase:              session.CheckpointSuccess,
		LastChunkIndex:     last,
		ChunksConcatenated: res.ChunksConcatenated,
		FullAudioSize:      res.FullAudioSize,
	}
	if preview, err := audio.Concat(sess.Segments()); err == nil {
		cs.PreviewSize = preview.Size()
	} else if !errors.Is(err, audio.ErrEmpty) {
		c.logger.Warn("checkpoint preview failed", "session", sess.ID(), "error", err)
	}
	sess.SetCheckpoint(cs)
	sess.Logf("checkpoint: %d chunks concatenated (%d bytes)", res.ChunksConcatenated, res.FullAudioSize)
	c.metrics.RecordCheckpoint(true)
	c.log(diaglog.LogEntry{
		Event:     diaglog.EventCheckpoint,
		SessionID: sess.ID(),
		Payload: map[string]interface{}{
			"last_chunk_index":    last,
			"chunks_concatenated": res.ChunksConcatenated,
			"full_audio_size":     res.FullAudioSize,
			"preview_size":        cs.PreviewSize,
		},
	})
	return sess.Checkpoint(), nil
}

// awaitUploads waits until every allocated chunk has had its upload
// answered or failed. Past WaitCeiling it gives up and the checkpoint covers
// what the server acknowledged.
func (c *Controller) awaitUploads(ctx context.Context, sess *session.Session) error {
	deadline := time.Now().Add(c.cfg.WaitCeiling)
	for {
		waiting := sess.Unacknowledged()
		if len(waiting) == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			c.logger.Warn("checkpoint without unacknowledged uploads", "session", sess.ID(), "chunks", waiting)
			sess.Logf("checkpoint: uploads %v not acknowledged yet", waiting)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.WaitPoll):
		}
	}
}

// Finalize waits for outstanding chunks, uploads the full recording with
// the three transcript sources and starts diarization. Steps that already
// succeeded on an earlier attempt are skipped.
func (c *Controller) Finalize(ctx context.Context, sess *session.Session) (*Result, error) {
	abandoned, err := c.waitPending(ctx, sess)
	if err != nil {
		c.metrics.RecordFinalize(false, 0)
		return nil, err
	}
	sess.SetAbandoned(abandoned)
	res := &Result{Abandoned: abandoned}

	if path := sess.AudioPath(); path != "" {
		res.AudioPath = path
	} else {
		path, err := c.upload(ctx, sess)
		if err != nil {
			c.metrics.RecordFinalize(false, len(abandoned))
			return res, err
		}
		res.AudioPath = path
	}

	if d := sess.Diarization(); d.JobID != "" {
		res.DiarizationJobID = d.JobID
	} else {
		jobID, err := c.api.StartDiarization(ctx, sess.ID())
		if err != nil {
			c.metrics.RecordFinalize(false, len(abandoned))
			sess.Logf("diarization request failed: %v", err)
			return res, fmt.Errorf("start diarization: %w", err)
		}
		sess.SetDiarization(session.DiarizationProgress{JobID: jobID, Status: "queued"})
		sess.Logf("diarization started: job %s", jobID)
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventDiarizationStart,
			SessionID: sess.ID(),
			Payload:   map[string]interface{}{"job_id": jobID},
		})
		res.DiarizationJobID = jobID
	}

	c.metrics.RecordFinalize(true, len(abandoned))
	return res, nil
}

func (c *Controller) upload(ctx context.Context, sess *session.Session) (string, error) {
	full, err := audio.Concat(sess.Segments())
	if errors.Is(err, audio.ErrEmpty) {
		return "", ErrNoAudio
	}
	if err != nil {
		return "", fmt.Errorf("concatenate audio: %w", err)
	}

	texts := sess.ChunkTranscripts()
	chunks := make([]backend.ChunkTranscript, len(texts))
	for i, t := range texts {
		chunks[i] = backend.ChunkTranscript{Index: t.Index, Text: t.Text}
	}
	req := backend.EndSessionRequest{
		SessionID:        sess.ID(),
		Audio:            full.Data,
		MIME:             full.MIME,
		Ext:              full.Ext,
		WebSpeech:        sess.WebSpeech(),
		ChunkTranscripts: chunks,
		FinalTranscript:  sess.FinalTranscript(),
		Metadata:         sess.Patient().Fields(),
	}

	sess.Logf("uploading full recording (%d bytes)", full.Size())
	out, err := c.api.EndSession(ctx, req)
	if err != nil {
		sess.Logf("full upload failed: %v", err)
		c.log(diaglog.LogEntry{Event: diaglog.EventFinalizeUpload, SessionID: sess.ID(), Reason: err.Error()})
		return "", fmt.Errorf("upload session: %w", err)
	}
	sess.SetAudioPath(out.AudioPath)
	sess.Logf("full recording stored at %s", out.AudioPath)
	c.log(diaglog.LogEntry{
		Event:     diaglog.EventFinalizeUpload,
		SessionID: sess.ID(),
		Payload: map[string]interface{}{
			"bytes":      full.Size(),
			"duration_s": full.Duration.Seconds(),
			"chunks":     len(chunks),
			"web_speech": len(req.WebSpeech),
		},
	})
	return out.AudioPath, nil
}

// waitPending waits up to WaitCeiling for unresolved chunks and returns the
// ones still unresolved when it gives up.
func (c *Controller) waitPending(ctx context.Context, sess *session.Session) ([]int, error) {
	deadline := time.Now().Add(c.cfg.WaitCeiling)
	var lastMonitor time.Time

	for {
		pending := sess.Pending()
		if len(pending) == 0 {
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			c.logger.Warn("finalize abandoning unresolved chunks", "session", sess.ID(), "chunks", pending)
			sess.Logf("finalize: abandoned chunks %v", pending)
			c.log(diaglog.LogEntry{
				Event:     diaglog.EventFinalizeAbandoned,
				SessionID: sess.ID(),
				Payload:   map[string]interface{}{"chunks": pending},
			})
			return pending, nil
		}

		if time.Since(lastMonitor) >= c.cfg.MonitorInterval {
			lastMonitor = time.Now()
			payload := map[string]interface{}{"pending": pending}
			if rep, err := c.api.Monitor(ctx, sess.ID()); err == nil && rep.ETA > 0 {
				payload["eta_s"] = rep.ETA.Seconds()
				sess.Logf("waiting for %d chunks, server estimates %s", len(pending), rep.ETA.Round(time.Second))
			} else {
				sess.Logf("waiting for %d chunks", len(pending))
			}
			c.log(diaglog.LogEntry{Event: diaglog.EventFinalizeWait, SessionID: sess.ID(), Payload: payload})
		}

		select {
		case <-ctx.Done():
			return pending, ctx.Err()
		case <-time.After(c.cfg.WaitPoll):
		}
	}
}

// AwaitDiarization polls the diarization job until it finishes, fails,
// times out or ctx is cancelled. Cancellation returns ErrCancelled and
// leaves the session untouched apart from progress.
func (c *Controller) AwaitDiarization(ctx context.Context, sess *session.Session, jobID string) (*backend.DiarizationStatus, error) {
	progress := sess.Diarization()
	progress.JobID = jobID
	lastProgress := progress.Progress

	check := func(ctx context.Context, attempt int) (poller.Step[*backend.DiarizationStatus], error) {
		c.metrics.RecordPoll("diarization")
		st, err := c.api.Diarization(ctx, sess.ID(), jobID)
		if err != nil {
			return poller.Step[*backend.DiarizationStatus]{}, err
		}
		progress.Status = st.Status
		progress.Progress = st.Progress
		progress.SegmentCount = st.SegmentCount
		advanced := st.Progress > lastProgress
		lastProgress = st.Progress

		switch {
		case st.Done():
			return poller.Step[*backend.DiarizationStatus]{Done: true, Value: st}, nil
		case st.Failed():
			reason := st.Error
			if reason == "" {
				reason = st.Status
			}
			return poller.Step[*backend.DiarizationStatus]{Failed: true, Value: st, Err: errors.New(reason)}, nil
		}
		return poller.Step[*backend.DiarizationStatus]{Value: st, Progressed: advanced}, nil
	}
	observe := func(s poller.Stats) {
		progress.Polls = s.Attempts
		progress.Interval = s.CurrentInterval
		sess.SetDiarization(progress)
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventDiarizationPoll,
			SessionID: sess.ID(),
			Payload: map[string]interface{}{
				"job_id":      jobID,
				"attempt":     s.Attempts,
				"interval_ms": s.CurrentInterval.Milliseconds(),
				"status":      progress.Status,
				"progress":    progress.Progress,
			},
		})
	}

	res := poller.Poll(ctx, c.cfg.Diarization, check, observe)
	switch res.Outcome {
	case poller.OutcomeSuccess:
		sess.Logf("diarization completed: %d segments", res.Value.SegmentCount)
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventDiarizationDone,
			SessionID: sess.ID(),
			Payload:   map[string]interface{}{"job_id": jobID, "segments": res.Value.SegmentCount},
		})
		return res.Value, nil
	case poller.OutcomeFailure:
		sess.Logf("diarization failed: %v", res.Err)
		return res.Value, fmt.Errorf("%w: %v", ErrDiarizationFailed, res.Err)
	case poller.OutcomeTimeout:
		sess.Logf("diarization timed out after %d polls", res.Stats.Attempts)
		return nil, fmt.Errorf("%w after %s", ErrDiarizationTimedOut, res.Stats.Elapsed.Round(time.Second))
	default:
		sess.Logf("diarization polling cancelled")
		c.log(diaglog.LogEntry{
			Event:     diaglog.EventDiarizationCancel,
			SessionID: sess.ID(),
			Payload:   map[string]interface{}{"job_id": jobID, "polls": res.Stats.Attempts},
		})
		return nil, ErrCancelled
	}
}

// GenerateSOAP hands the session to the SOAP note service.
func (c *Controller) GenerateSOAP(ctx context.Context, sess *session.Session) (*backend.SOAPResult, error) {
	c.log(diaglog.LogEntry{Event: diaglog.EventSOAPRequested, SessionID: sess.ID()})
	res, err := c.api.GenerateSOAP(ctx, sess.ID())
	if err != nil {
		sess.Logf("SOAP generation failed: %v", err)
		return nil, fmt.Errorf("generate soap: %w", err)
	}
	sess.SetSOAPNote(res.NoteID)
	sess.Logf("SOAP note %s created", res.NoteID)
	return res, nil
}
