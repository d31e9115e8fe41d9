// Package dispatch gates captured segments, uploads them as chunks and
// resolves each chunk's transcript, directly or by polling its job.
package dispatch

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
	ErrDuplicate   = errors.New("dispatch: chunk already in flight or resolved")
	ErrPollTimeout = errors.New("dispatch: transcript polling timed out")
	ErrUnexpected  = errors.New("dispatch: unexpected stream response")
)

// Gate reports whether the input is currently silent.
type Gate interface {
	IsSilent() bool
}

// Uploader is the part of the backend the dispatcher needs.
type Uploader interface {
	Stream(ctx context.Context, up backend.ChunkUpload) (backend.StreamResult, error)
	Job(ctx context.Context, jobID string) (*backend.JobStatus, error)
}

// Config configures chunk timing and job polling.
type Config struct {
	TimeSlice       time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
}

// DefaultConfig returns the standard chunk settings.
func DefaultConfig() Config {
	return Config{
		TimeSlice:       8000 * time.Millisecond,
		PollInterval:    500 * time.Millisecond,
		MaxPollAttempts: 120,
	}
}

// Ticket is an admitted segment with its chunk index.
type Ticket struct {
	SessionID string
	Index     int
	Segment   audio.Segment
}

// ResolvedFunc is called after a chunk reaches a terminal status.
type ResolvedFunc func(sess *session.Session, idx int)

// Dispatcher owns chunk admission and resolution.
type Dispatcher struct {
	cfg     Config
	up      Uploader
	gate    Gate
	logger  *slog.Logger
	metrics *metrics.Metrics

	diagMu sync.RWMutex
	diag   *diaglog.Logger

	mu         sync.Mutex
	onResolved ResolvedFunc

	wg sync.WaitGroup
}

// New creates a dispatcher. A nil gate admits everything.
func New(up Uploader, gate Gate, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = def.TimeSlice
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{cfg: cfg, up: up, gate: gate, logger: logger, metrics: m}
}

// SetDiagLogger injects the diagnostic trail.
func (d *Dispatcher) SetDiagLogger(l *diaglog.Logger) {
	d.diagMu.Lock()
	d.diag = l
	d.diagMu.Unlock()
}

// OnResolved registers fn to run after every chunk resolution.
func (d *Dispatcher) OnResolved(fn ResolvedFunc) {
	d.mu.Lock()
	d.onResolved = fn
	d.mu.Unlock()
}

func (d *Dispatcher) log(entry diaglog.LogEntry) {
	d.diagMu.RLock()
	l := d.diag
	d.diagMu.RUnlock()
	if entry.Component == "" {
		entry.Component = diaglog.ComponentDispatcher
	}
	l.Log(entry)
}

// Admit applies the silence gate and assigns the segment its chunk index.
// Silent segments are dropped without touching the session counter.
func (d *Dispatcher) Admit(sess *session.Session, seg audio.Segment) (Ticket, bool) {
	silent := d.gate != nil && d.gate.IsSilent()
	d.metrics.RecordSegment(silent)
	if silent {
		d.logger.Debug("segment skipped: silence", "session", sess.ID(), "run", seg.Run, "seq", seg.Seq)
		d.log(diaglog.LogEntry{
			Event:     diaglog.EventChunkSilent,
			SessionID: sess.ID(),
			Payload:   map[string]interface{}{"run": seg.Run, "seq": seg.Seq},
		})
		sess.Logf("segment skipped (silence)")
		return Ticket{}, false
	}

	idx, fresh := sess.AllocateIndex(seg.Run, seg.Seq)
	if !fresh {
		d.logger.Debug("segment re-emitted", "session", sess.ID(), "chunk", idx)
	}
	d.log(diaglog.LogEntry{
		Event:     diaglog.EventChunkAdmitted,
		SessionID: sess.ID(),
		ChunkIdx:  diaglog.Chunk(idx),
		Payload:   map[string]interface{}{"run": seg.Run, "seq": seg.Seq, "bytes": seg.Size(), "fresh": fresh},
	})
	return Ticket{SessionID: sess.ID(), Index: idx, Segment: seg}, true
}

// Dispatch admits seg and resolves it in the background. It returns the
// ticket when the segment was admitted.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, seg audio.Segment) (Ticket, bool) {
	t, ok := d.Admit(sess, seg)
	if !ok {
		return t, false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Submit(ctx, sess, t); err != nil && !errors.Is(err, ErrDuplicate) {
			d.logger.Warn("chunk failed", "session", sess.ID(), "chunk", t.Index, "error", err)
		}
	}()
	return t, true
}

// Wait blocks until all background resolutions finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit uploads the ticket's chunk and resolves its transcript. At most
// one submission per session and index runs at a time; a second one
// returns ErrDuplicate without any network call.
func (d *Dispatcher) Submit(ctx context.Context, sess *session.Session, t Ticket) error {
	if !sess.Begin(t.Index) {
		d.metrics.RecordDuplicate()
		d.logger.Warn("duplicate chunk discarded", "session", sess.ID(), "chunk", t.Index)
		d.log(diaglog.LogEntry{
			Event:     diaglog.EventChunkDuplicate,
			SessionID: sess.ID(),
			ChunkIdx:  diaglog.Chunk(t.Index),
		})
		return ErrDuplicate
	}
	defer sess.Release(t.Index)

	up := backend.ChunkUpload{
		SessionID:   sess.ID(),
		ChunkNumber: t.Index,
		Audio:       t.Segment.Data,
		MIME:        t.Segment.MIME,
		Ext:         t.Segment.Ext,
		Start:       time.Duration(t.Index) * d.cfg.TimeSlice,
		End:         time.Duration(t.Index+1) * d.cfg.TimeSlice,
	}
	if t.Index == 0 {
		up.Metadata = sess.Patient().Fields()
	}

	d.metrics.RecordSubmitted(len(up.Audio))
	sess.Logf("chunk %d uploading (%d bytes)", t.Index, len(up.Audio))

	res, err := d.up.Stream(ctx, up)
	if err != nil {
		return d.fail(sess, t.Index, "upload", err)
	}
	sess.MarkUploaded(t.Index)

	switch r := res.(type) {
	case backend.DirectSuccess:
		d.metrics.RecordPath("direct")
		d.complete(sess, t.Index, r.Transcript, r.Provider, r.Confidence)
		return nil
	case backend.WorkerQueued:
		d.metrics.RecordPath("worker")
		return d.await(ctx, sess, t.Index, r.JobID)
	case backend.LegacyQueued:
		d.metrics.RecordPath("legacy")
		return d.await(ctx, sess, t.Index, r.JobID)
	case backend.Unexpected:
		d.metrics.RecordPath("unexpected")
		return d.fail(sess, t.Index, "unexpected", fmt.Errorf("%w: %s", ErrUnexpected, r.Reason))
	default:
		return d.fail(sess, t.Index, "unexpected", fmt.Errorf("%w: %T", ErrUnexpected, res))
	}
}

// await polls the chunk job until it resolves.
func (d *Dispatcher) await(ctx context.Context, sess *session.Session, idx int, jobID string) error {
	sess.MarkPending(idx, jobID)
	sess.Logf("chunk %d queued as job %s", idx, jobID)
	d.log(diaglog.LogEntry{
		Event:     diaglog.EventChunkQueued,
		SessionID: sess.ID(),
		ChunkIdx:  diaglog.Chunk(idx),
		Payload:   map[string]interface{}{"job_id": jobID},
	})

	strategy := poller.Fixed{Interval: d.cfg.PollInterval, MaxAttempts: d.cfg.MaxPollAttempts}
	res := poller.Poll(ctx, strategy, func(ctx context.Context, attempt int) (poller.Step[*backend.JobResult], error) {
		d.metrics.RecordPoll("chunk")
		st, err := d.up.Job(ctx, jobID)
		if err != nil {
			d.log(diaglog.LogEntry{
				Component: diaglog.ComponentPoller,
				Event:     diaglog.EventPollAttempt,
				SessionID: sess.ID(),
				ChunkIdx:  diaglog.Chunk(idx),
				Reason:    err.Error(),
				Payload:   map[string]interface{}{"attempt": attempt, "job_id": jobID},
			})
			return poller.Step[*backend.JobResult]{}, err
		}
		d.log(diaglog.LogEntry{
			Component: diaglog.ComponentPoller,
			Event:     diaglog.EventPollAttempt,
			SessionID: sess.ID(),
			ChunkIdx:  diaglog.Chunk(idx),
			Payload:   map[string]interface{}{"attempt": attempt, "job_id": jobID, "status": string(st.Status)},
		})
		switch st.Status {
		case backend.JobSuccess:
			r := st.Result
			if r == nil {
				r = &backend.JobResult{}
			}
			return poller.Step[*backend.JobResult]{Done: true, Value: r}, nil
		case backend.JobFailure:
			reason := st.Error
			if reason == "" {
				reason = "job failed"
			}
			return poller.Step[*backend.JobResult]{Failed: true, Err: errors.New(reason)}, nil
		case backend.JobStarted:
			sess.MarkProcessing(idx)
		}
		return poller.Step[*backend.JobResult]{}, nil
	}, nil)

	switch res.Outcome {
	case poller.OutcomeSuccess:
		d.complete(sess, idx, res.Value.Transcript, res.Value.Provider, res.Value.Confidence)
		return nil
	case poller.OutcomeFailure:
		return d.fail(sess, idx, "job_failed", res.Err)
	case poller.OutcomeTimeout:
		err := fmt.Errorf("%w after %d attempts", ErrPollTimeout, res.Stats.Attempts)
		if res.Err != nil {
			err = fmt.Errorf("%w: last error: %v", err, res.Err)
		}
		return d.fail(sess, idx, "poll_timeout", err)
	default:
		return d.fail(sess, idx, "cancelled", res.Err)
	}
}

func (d *Dispatcher) complete(sess *session.Session, idx int, transcript, provider string, confidence float64) {
	if !sess.Complete(idx, transcript, provider, confidence) {
		return
	}
	rec, _ := sess.Chunk(idx)
	d.metrics.RecordCompleted(rec.Latency)
	sess.Logf("chunk %d completed in %s", idx, rec.Latency.Round(time.Millisecond))
	d.logger.Info("chunk completed", "session", sess.ID(), "chunk", idx, "latency", rec.Latency, "provider", provider)
	d.log(diaglog.LogEntry{
		Event:     diaglog.EventChunkCompleted,
		SessionID: sess.ID(),
		ChunkIdx:  diaglog.Chunk(idx),
		Payload:   map[string]interface{}{"latency_ms": rec.Latency.Milliseconds(), "chars": len(rec.Transcript)},
	})
	d.resolved(sess, idx)
}

func (d *Dispatcher) fail(sess *session.Session, idx int, reason string, err error) error {
	if err == nil {
		err = errors.New(reason)
	}
	err = fmt.Errorf("chunk %d: %w", idx, err)
	if !sess.Fail(idx, err) {
		return err
	}
	d.metrics.RecordFailed(reason)
	sess.Logf("chunk %d failed: %v", idx, err)
	d.log(diaglog.LogEntry{
		Event:     diaglog.EventChunkFailed,
		SessionID: sess.ID(),
		ChunkIdx:  diaglog.Chunk(idx),
		Reason:    err.Error(),
		Payload:   map[string]interface{}{"kind": reason},
	})
	d.resolved(sess, idx)
	return err
}

func (d *Dispatcher) resolved(sess *session.Session, idx int) {
	d.mu.Lock()
	fn := d.onResolved
	d.mu.Unlock()
	if fn != nil {
		fn(sess, idx)
	}
}
