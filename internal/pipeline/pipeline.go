// Package pipeline wires capture, level gating, chunk dispatch and the
// finalize controller into one recording flow driven by the state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"

	"github.com/tiroq/scribe/internal/analyzer"
	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/capture"
	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/dispatch"
	"github.com/tiroq/scribe/internal/finalize"
	"github.com/tiroq/scribe/internal/handoff"
	"github.com/tiroq/scribe/internal/metrics"
	"github.com/tiroq/scribe/internal/preview"
	"github.com/tiroq/scribe/internal/session"
	"github.com/tiroq/scribe/internal/statemachine"
)

var (
	ErrNoPatient      = errors.New("pipeline: patient info required before recording")
	ErrInvalidPatient = errors.New("pipeline: patient id and name are required")
	ErrNoSession      = errors.New("pipeline: no session")
	ErrNotRetryable   = errors.New("pipeline: nothing to retry")
	ErrNotDiarizing   = errors.New("pipeline: diarization is not being polled")
	ErrClosed         = errors.New("pipeline: closed")
)

// frameBuffer is how many capture frames the analyzer and preview taps
// may fall behind before frames are dropped.
const frameBuffer = 64

// Backend is everything the pipeline needs from the remote service.
type Backend interface {
	dispatch.Uploader
	finalize.API
}

// Config tunes the components the pipeline builds.
type Config struct {
	Analyzer analyzer.Config
	Dispatch dispatch.Config
	Finalize finalize.Config
}

// Deps are the collaborators handed to New. Device and Backend are
// required; the rest are optional.
type Deps struct {
	Device  capture.Device
	Backend Backend
	Preview *preview.Client
	Handoff *handoff.Writer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Diag    *diaglog.Logger
}

// Pipeline runs one consultation at a time.
type Pipeline struct {
	cfg        Config
	device     capture.Device
	analyzer   *analyzer.Analyzer
	dispatcher *dispatch.Dispatcher
	finalizer  *finalize.Controller
	preview    *preview.Client
	handoff    *handoff.Writer
	sm         *statemachine.StateMachine
	logger     *slog.Logger
	metrics    *metrics.Metrics
	diag       *diaglog.Logger

	ctx    context.Context // lifetime of the pipeline
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	patient    *session.PatientInfo
	sess       *session.Session
	runCancel  context.CancelFunc // analyzer and preview of the current capture run
	runWG      sync.WaitGroup
	finishing  bool               // finalize or diarization goroutine running
	diarCancel context.CancelFunc // set while diarization is polled
	handoffAt  string

	// cur mirrors sess for code that runs while p.mu is held elsewhere,
	// such as transition hooks.
	cur atomic.Pointer[session.Session]

	previewMu sync.Mutex
	interim   string

	notify    chan struct{}
	listenMu  sync.Mutex
	listeners []func()
}

// New builds a pipeline in Idle.
func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	diag := deps.Diag
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	if cfg.Finalize.WaitCeiling <= 0 {
		cfg.Finalize = finalize.DefaultConfig()
	}

	a := analyzer.New(cfg.Analyzer)
	d := dispatch.New(deps.Backend, a, cfg.Dispatch, logger.With("component", "dispatcher"), deps.Metrics)
	d.SetDiagLogger(diag)
	f := finalize.New(deps.Backend, cfg.Finalize, logger.With("component", "finalize"), deps.Metrics)
	f.SetDiagLogger(diag)
	if deps.Preview != nil {
		deps.Preview.SetDiagLogger(diag)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		device:     deps.Device,
		analyzer:   a,
		dispatcher: d,
		finalizer:  f,
		preview:    deps.Preview,
		handoff:    deps.Handoff,
		sm:         statemachine.NewStateMachine(),
		logger:     logger,
		metrics:    deps.Metrics,
		diag:       diag,
		ctx:        ctx,
		cancel:     cancel,
		notify:     make(chan struct{}, 1),
	}
	p.sm.OnTransition(p.onTransition)
	go p.notifyLoop()
	d.OnResolved(func(*session.Session, int) { p.changed() })
	return p
}

// OnChange registers fn to run after state transitions, chunk resolutions
// and finalize steps. Bursts of changes are coalesced, and fn runs on a
// single notifier goroutine, so it may call Snapshot.
func (p *Pipeline) OnChange(fn func()) {
	p.listenMu.Lock()
	p.listeners = append(p.listeners, fn)
	p.listenMu.Unlock()
}

func (p *Pipeline) changed() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) notifyLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notify:
		}
		p.listenMu.Lock()
		fns := append([]func(){}, p.listeners...)
		p.listenMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (p *Pipeline) onTransition(from, to statemachine.State) {
	p.metrics.RecordTransition(string(to))
	entry := diaglog.LogEntry{
		Component: diaglog.ComponentStateMachine,
		Event:     diaglog.EventStateTransition,
		Payload:   map[string]interface{}{"from": string(from), "to": string(to)},
	}
	if sess := p.session(); sess != nil {
		entry.SessionID = sess.ID()
		sess.Logf("state: %s -> %s", from, to)
	}
	if to == statemachine.Error {
		if err, _ := p.sm.LastError(); err != nil {
			entry.Reason = err.Error()
		}
	}
	p.diag.Log(entry)
	p.logger.Info("state transition", "from", from, "to", to)
	p.changed()
}

func (p *Pipeline) session() *session.Session { return p.cur.Load() }

// State returns the current state.
func (p *Pipeline) State() statemachine.State { return p.sm.Current() }

// AttachPatient sets the consultation context for the next recording.
func (p *Pipeline) AttachPatient(info session.PatientInfo) error {
	if !info.Valid() {
		return ErrInvalidPatient
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sm.CanStart() {
		return fmt.Errorf("%w: cannot attach patient while %s", statemachine.ErrInvalidTransition, p.sm.Current())
	}
	p.patient = &info
	return nil
}

// Start creates a fresh session and begins capturing. Start failures put
// the pipeline in Error; only NewSession leaves it.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.sm.CanStart() {
		return fmt.Errorf("%w: cannot start while %s", statemachine.ErrInvalidTransition, p.sm.Current())
	}
	if p.patient == nil {
		return ErrNoPatient
	}

	sess := session.New(p.patient)
	p.sess = sess
	p.cur.Store(sess)
	p.handoffAt = ""
	p.previewMu.Lock()
	p.interim = ""
	p.previewMu.Unlock()

	if err := p.startRun(sess); err != nil {
		p.logger.Error("recording start failed", "session", sess.ID(), "error", err)
		sess.Logf("recording start failed: %v", err)
		p.sm.Fail(err, false)
		return err
	}
	sess.Logf("recording started")
	return p.sm.Transition(statemachine.Recording)
}

// Pause stops capturing, then asks the server for a checkpoint of what
// was uploaded so far. A failed checkpoint does not undo the pause.
func (p *Pipeline) Pause(ctx context.Context) error {
	p.mu.Lock()
	if !p.sm.CanPause() {
		state := p.sm.Current()
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot pause while %s", statemachine.ErrInvalidTransition, state)
	}
	sess := p.sess
	err := p.stopRun(sess)
	if err != nil {
		p.logger.Warn("capture stopped with error", "session", sess.ID(), "error", err)
	}
	terr := p.sm.Transition(statemachine.Paused)
	p.mu.Unlock()
	if terr != nil {
		return terr
	}
	sess.Logf("recording paused")

	if _, err := p.finalizer.Checkpoint(ctx, sess); err != nil {
		p.logger.Warn("checkpoint failed", "session", sess.ID(), "error", err)
	}
	p.changed()
	return nil
}

// Resume restarts capture into the same session. Chunk indices continue
// where they left off.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sm.CanResume() {
		return fmt.Errorf("%w: cannot resume while %s", statemachine.ErrInvalidTransition, p.sm.Current())
	}
	sess := p.sess
	if err := p.startRun(sess); err != nil {
		p.logger.Error("recording resume failed", "session", sess.ID(), "error", err)
		sess.Logf("recording resume failed: %v", err)
		p.sm.Fail(err, !errors.Is(err, capture.ErrPermissionDenied))
		return err
	}
	sess.Logf("recording resumed")
	return p.sm.Transition(statemachine.Recording)
}

// End stops capturing and hands the session to the finalize controller in
// the background. Progress is visible through Snapshot and OnChange.
func (p *Pipeline) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sm.CanEnd() {
		return fmt.Errorf("%w: cannot end while %s", statemachine.ErrInvalidTransition, p.sm.Current())
	}
	sess := p.sess
	if p.sm.Current() == statemachine.Recording {
		if err := p.stopRun(sess); err != nil {
			p.logger.Warn("capture stopped with error", "session", sess.ID(), "error", err)
		}
	}
	if err := p.sm.Transition(statemachine.Finalizing); err != nil {
		return err
	}
	sess.Logf("recording ended, finalizing")
	p.spawnFinish(sess, false)
	return nil
}

// CancelDiarization stops polling the diarization job. The session and
// its job id are kept, and the state stays Diarizing until RetryFinalize.
func (p *Pipeline) CancelDiarization() error {
	p.mu.Lock()
	cancel := p.diarCancel
	p.mu.Unlock()
	if cancel == nil {
		return ErrNotDiarizing
	}
	cancel()
	return nil
}

// RetryFinalize resumes a failed finalize from the Error state, or
// resumes diarization polling after a cancel. Steps that already
// succeeded are not repeated.
func (p *Pipeline) RetryFinalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ErrNoSession
	}
	if p.finishing {
		return fmt.Errorf("%w: finalize already running", ErrNotRetryable)
	}
	sess := p.sess
	switch p.sm.Current() {
	case statemachine.Error:
		err, retryable := p.sm.LastError()
		if !retryable {
			return fmt.Errorf("%w: %v", ErrNotRetryable, err)
		}
		if err := p.sm.Transition(statemachine.Finalizing); err != nil {
			return err
		}
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentFinalize,
			Event:     diaglog.EventFinalizeRetryStart,
			SessionID: sess.ID(),
		})
		sess.Logf("retrying finalize")
		p.spawnFinish(sess, false)
	case statemachine.Diarizing:
		sess.Logf("resuming diarization polling")
		p.spawnFinish(sess, true)
	default:
		return fmt.Errorf("%w while %s", ErrNotRetryable, p.sm.Current())
	}
	return nil
}

// NewSession discards the finished session and returns to Idle. A new
// patient must be attached before the next Start.
func (p *Pipeline) NewSession() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finishing {
		return fmt.Errorf("%w: finalize still running", statemachine.ErrInvalidTransition)
	}
	if err := p.sm.Reset(); err != nil {
		return err
	}
	p.sess = nil
	p.cur.Store(nil)
	p.patient = nil
	p.handoffAt = ""
	p.previewMu.Lock()
	p.interim = ""
	p.previewMu.Unlock()
	p.changed()
	return nil
}

// Wait blocks until background finalize work and in-flight chunks finish
// or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.dispatcher.Wait(ctx)
}

// Close releases the device and cancels all background work.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.sess != nil && p.device.Recording() {
		if err := p.stopRun(p.sess); err != nil {
			p.logger.Warn("capture stopped with error", "error", err)
		}
	}
	p.mu.Unlock()

	p.cancel()
	return p.Wait(ctx)
}

// startRun starts the device with the analyzer and preview taps. Callers
// hold p.mu.
func (p *Pipeline) startRun(sess *session.Session) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	levels := make(chan *goaudio.IntBuffer, frameBuffer)
	taps := []chan<- *goaudio.IntBuffer{levels}

	p.runWG.Add(1)
	go func() {
		defer p.runWG.Done()
		p.analyzer.Run(runCtx, levels)
	}()

	if p.preview != nil && p.preview.Enabled() {
		frames := make(chan *goaudio.IntBuffer, frameBuffer)
		taps = append(taps, frames)
		p.runWG.Add(1)
		go func() {
			defer p.runWG.Done()
			if err := p.preview.Run(runCtx, sess.ID(), frames, p.onPreview(sess)); err != nil {
				p.logger.Warn("instant preview unavailable", "session", sess.ID(), "error", err)
				sess.Logf("instant preview unavailable: %v", err)
			}
		}()
	}

	if err := p.device.Start(p.ctx, p.onSegment(sess), taps...); err != nil {
		cancel()
		p.runWG.Wait()
		return err
	}
	p.runCancel = cancel
	return nil
}

// stopRun stops the device, admits the trailing partial segment and
// releases the analyzer and preview. Callers hold p.mu.
func (p *Pipeline) stopRun(sess *session.Session) error {
	partial, err := p.device.Stop()
	if partial != nil {
		p.onSegment(sess)(*partial)
	}
	if p.runCancel != nil {
		p.runCancel()
		p.runCancel = nil
	}
	p.runWG.Wait()
	return err
}

// onSegment runs on the capture goroutine and must not take p.mu: Stop
// waits for that goroutine while holding it.
func (p *Pipeline) onSegment(sess *session.Session) capture.Handler {
	return func(seg audio.Segment) {
		sess.AppendSegment(seg)
		p.dispatcher.Dispatch(p.ctx, sess, seg)
		p.changed()
	}
}

func (p *Pipeline) onPreview(sess *session.Session) func(preview.Result) {
	return func(r preview.Result) {
		p.previewMu.Lock()
		if r.IsFinal {
			p.interim = ""
		} else {
			p.interim = r.Transcript
		}
		p.previewMu.Unlock()
		if r.IsFinal {
			sess.AddWebSpeech(r.Transcript)
			p.changed()
		}
	}
}

// spawnFinish runs finalize (or only diarization when resumeDiarization)
// in the background. Callers hold p.mu.
func (p *Pipeline) spawnFinish(sess *session.Session, resumeDiarization bool) {
	p.finishing = true
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer func() {
			p.mu.Lock()
			p.finishing = false
			p.mu.Unlock()
			p.changed()
		}()
		if resumeDiarization {
			p.diarize(sess, sess.Diarization().JobID)
			return
		}
		p.finish(sess)
	}()
}

func (p *Pipeline) finish(sess *session.Session) {
	res, err := p.finalizer.Finalize(p.ctx, sess)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Error("finalize failed", "session", sess.ID(), "error", err)
		p.sm.Fail(err, true)
		return
	}
	if len(res.Abandoned) > 0 {
		p.logger.Warn("finalized with unresolved chunks", "session", sess.ID(), "chunks", res.Abandoned)
	}
	if err := p.sm.Transition(statemachine.Diarizing); err != nil {
		p.logger.Error("entering diarization", "error", err)
		return
	}
	p.diarize(sess, res.DiarizationJobID)
}

func (p *Pipeline) diarize(sess *session.Session, jobID string) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	p.mu.Lock()
	p.diarCancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.diarCancel = nil
		p.mu.Unlock()
	}()

	_, err := p.finalizer.AwaitDiarization(ctx, sess, jobID)
	switch {
	case errors.Is(err, finalize.ErrCancelled):
		p.logger.Info("diarization polling cancelled", "session", sess.ID(), "job", jobID)
		return
	case err != nil:
		// A failed or expired job is not polled again; the retry requests
		// a new one.
		d := sess.Diarization()
		d.JobID = ""
		sess.SetDiarization(d)
		p.logger.Error("diarization failed", "session", sess.ID(), "job", jobID, "error", err)
		p.sm.Fail(err, true)
		return
	}

	if err := p.sm.Transition(statemachine.SoapGeneration); err != nil {
		p.logger.Error("entering soap generation", "error", err)
		return
	}
	if sess.SOAPNote() == "" {
		if _, err := p.finalizer.GenerateSOAP(p.ctx, sess); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Error("soap generation failed", "session", sess.ID(), "error", err)
			p.sm.Fail(err, true)
			return
		}
	}
	p.writeHandoff(sess)
	p.sm.Transition(statemachine.Completed)
}

func (p *Pipeline) writeHandoff(sess *session.Session) {
	if p.handoff == nil {
		return
	}
	recorded := p.sm.RecordingDuration()
	base, err := p.handoff.Write(sess.Snapshot(), sess.Stats(recorded), recorded)
	if err != nil {
		p.logger.Error("writing handoff files", "session", sess.ID(), "error", err)
		sess.Logf("handoff write failed: %v", err)
		return
	}
	p.mu.Lock()
	p.handoffAt = base
	p.mu.Unlock()
	sess.Logf("handoff written to %s", base)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentScribeCore,
		Event:     diaglog.EventHandoffWritten,
		SessionID: sess.ID(),
		Payload:   map[string]interface{}{"base": base},
	})
}

// Snapshot is the read-only view handed to UI collaborators.
type Snapshot struct {
	State             statemachine.State   `json:"state"`
	EnteredAt         time.Time            `json:"entered_at"`
	Recording         bool                 `json:"recording"`
	RecordedFor       time.Duration        `json:"recorded_for"`
	Level             uint8                `json:"level"`
	PreviewEnabled    bool                 `json:"preview_enabled"`
	Interim           string               `json:"interim,omitempty"`
	Patient           *session.PatientInfo `json:"patient,omitempty"`
	Session           *session.Snapshot    `json:"session,omitempty"`
	Stats             session.Stats        `json:"stats"`
	LastError         string               `json:"last_error,omitempty"`
	Retryable         bool                 `json:"retryable"`
	Finishing         bool                 `json:"finishing"`
	DiarizationActive bool                 `json:"diarization_active"`
	HandoffPath       string               `json:"handoff_path,omitempty"`
}

// Snapshot returns a copy of the current pipeline and session state.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	sess := p.sess
	snap := Snapshot{
		Finishing:         p.finishing,
		DiarizationActive: p.diarCancel != nil,
		HandoffPath:       p.handoffAt,
	}
	if p.patient != nil {
		pi := *p.patient
		snap.Patient = &pi
	}
	p.mu.Unlock()

	snap.State = p.sm.Current()
	snap.EnteredAt = p.sm.EnteredAt()
	snap.Recording = snap.State == statemachine.Recording
	snap.RecordedFor = p.sm.RecordingDuration()
	snap.Level = p.analyzer.Level()
	snap.PreviewEnabled = p.preview != nil && p.preview.Enabled()
	p.previewMu.Lock()
	snap.Interim = p.interim
	p.previewMu.Unlock()
	if err, retryable := p.sm.LastError(); err != nil {
		snap.LastError = err.Error()
		snap.Retryable = retryable
	}
	if sess != nil {
		ss := sess.Snapshot()
		snap.Session = &ss
		snap.Stats = sess.Stats(snap.RecordedFor)
	}
	return snap
}
