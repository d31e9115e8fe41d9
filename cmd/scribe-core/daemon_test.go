package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/capture"
	"github.com/tiroq/scribe/internal/config"
	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/ipc"
	"github.com/tiroq/scribe/internal/pipeline"
	"github.com/tiroq/scribe/internal/session"
	"github.com/tiroq/scribe/internal/statemachine"
	"github.com/tiroq/scribe/testutil"
)

type noMic struct{}

func (noMic) Open(audio.Format) (capture.Stream, error) { return nil, capture.ErrNoSource }

func newTestDaemon(t *testing.T) (*daemon, string) {
	t.Helper()
	_, logger := testutil.NewLogCapture()
	return newTestDaemonWithLogger(t, logger)
}

func newTestDaemonWithLogger(t *testing.T, logger *slog.Logger) (*daemon, string) {
	t.Helper()
	dir := t.TempDir()
	p := pipeline.New(pipelineConfig(config.Default()), pipeline.Deps{
		Device: capture.NewSlicedDevice(noMic{}, capture.Config{}, logger),
		Logger: logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return newDaemon(p, dir, "http://localhost:8000", true, logger, diaglog.NewNoOp()), dir
}

func TestHandleRecordsCommandError(t *testing.T) {
	d, dir := newTestDaemon(t)

	d.handle(ipc.Request{Cmd: ipc.CmdPause})

	status, err := ipc.ReadStatus(dir)
	testutil.AssertNoError(t, err, "read status")
	testutil.AssertEqual(t, "pause", status.LastCommand, "last command")
	testutil.AssertTrue(t, status.CommandError != "", "command error recorded")
	testutil.AssertEqual(t, statemachine.Idle, status.Pipeline.State, "state unchanged")
}

func TestStartWithoutMicrophoneSurfacesError(t *testing.T) {
	d, dir := newTestDaemon(t)

	req, err := ipc.StartRequest(session.PatientInfo{ID: "p-7", Name: "Ana Ruiz"})
	testutil.AssertNoError(t, err, "start request")
	d.handle(req)

	status, err := ipc.ReadStatus(dir)
	testutil.AssertNoError(t, err, "read status")
	testutil.AssertEqual(t, statemachine.Error, status.Pipeline.State, "state")
	testutil.AssertStringContains(t, status.Pipeline.LastError, "no audio input", "last error")
	testutil.AssertTrue(t, !status.Pipeline.Retryable, "start failures are not retryable")

	d.handle(ipc.Request{Cmd: ipc.CmdNewSession})
	status, err = ipc.ReadStatus(dir)
	testutil.AssertNoError(t, err, "read status")
	testutil.AssertEqual(t, statemachine.Idle, status.Pipeline.State, "state after new session")
	testutil.AssertEqual(t, "", status.CommandError, "command error cleared")
	testutil.AssertEqual(t, "new session", status.LastAction, "last action")
}

func TestQuitIsIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t)

	d.handle(ipc.Request{Cmd: ipc.CmdQuit})
	d.handle(ipc.Request{Cmd: ipc.CmdQuit})

	select {
	case <-d.quit:
	default:
		t.Fatal("quit channel not closed")
	}
}

func TestPipelineConfigFromSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.TimeSliceMS = 5000
	cfg.Polling.ChunkMaxAttempts = 7
	cfg.Analyzer.SilenceThreshold = 9

	pc := pipelineConfig(cfg)
	testutil.AssertEqual(t, 5*time.Second, pc.Dispatch.TimeSlice, "time slice")
	testutil.AssertEqual(t, 7, pc.Dispatch.MaxPollAttempts, "poll attempts")
	testutil.AssertEqual(t, uint8(9), pc.Analyzer.SilenceThreshold, "silence threshold")
	testutil.AssertEqual(t, 30*time.Second, pc.Finalize.WaitCeiling, "wait ceiling")
	testutil.AssertEqual(t, 1.5, pc.Finalize.Diarization.Growth, "diarization growth")
}

// brokenWriter fails every body write, like a client that hung up.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(int)           {}
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStatusHandler(t *testing.T) {
	lc, logger := testutil.NewLogCapture()
	d, _ := newTestDaemonWithLogger(t, logger)
	h := statusHandler(d.p, logger)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var snap pipeline.Snapshot
	testutil.AssertNoError(t, json.Unmarshal(rec.Body.Bytes(), &snap), "decode status")
	testutil.AssertEqual(t, statemachine.Idle, snap.State, "state")

	h(&brokenWriter{header: http.Header{}}, httptest.NewRequest(http.MethodGet, "/status", nil))
	testutil.AssertEqual(t, 1, lc.Count("failed to write status response"), "write failure logged")
}
