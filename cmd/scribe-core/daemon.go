package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/ipc"
	"github.com/tiroq/scribe/internal/metrics"
	"github.com/tiroq/scribe/internal/pipeline"
)

// daemon applies scribe-ctl commands to the pipeline and publishes
// status.json.
type daemon struct {
	p          *pipeline.Pipeline
	dir        string
	backendURL string
	healthy    bool
	logger     *slog.Logger
	diag       *diaglog.Logger

	quit     chan struct{}
	quitOnce sync.Once

	mu          sync.Mutex
	lastCommand string
	lastAction  string
	cmdErr      string
}

func newDaemon(p *pipeline.Pipeline, dir, backendURL string, healthy bool, logger *slog.Logger, diag *diaglog.Logger) *daemon {
	return &daemon{
		p:          p,
		dir:        dir,
		backendURL: backendURL,
		healthy:    healthy,
		logger:     logger,
		diag:       diag,
		quit:       make(chan struct{}),
	}
}

func (d *daemon) handle(req ipc.Request) {
	d.logger.Info("received command", "command", req.Cmd)
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentScribeCore,
		Event:     diaglog.EventCommandReceived,
		Payload:   map[string]interface{}{"command": string(req.Cmd)},
	})

	var (
		err    error
		action string
	)
	switch req.Cmd {
	case ipc.CmdStart:
		patient, perr := req.Patient()
		if err = perr; err == nil {
			if err = d.p.AttachPatient(patient); err == nil {
				err = d.p.Start()
			}
		}
		action = "recording started"
	case ipc.CmdPause:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = d.p.Pause(ctx)
		cancel()
		action = "recording paused"
	case ipc.CmdResume:
		err = d.p.Resume()
		action = "recording resumed"
	case ipc.CmdEnd:
		err = d.p.End()
		action = "recording ended"
	case ipc.CmdCancelDiarization:
		err = d.p.CancelDiarization()
		action = "diarization polling cancelled"
	case ipc.CmdRetry:
		err = d.p.RetryFinalize()
		action = "finalize retried"
	case ipc.CmdNewSession:
		err = d.p.NewSession()
		action = "new session"
	case ipc.CmdQuit:
		d.quitOnce.Do(func() { close(d.quit) })
		action = "quitting"
	}

	d.mu.Lock()
	d.lastCommand = string(req.Cmd)
	if err != nil {
		d.cmdErr = err.Error()
		d.logger.Warn("command failed", "command", req.Cmd, "error", err)
	} else {
		d.cmdErr = ""
		d.lastAction = action
	}
	d.mu.Unlock()
	d.publish()
}

// publish writes the current status. Writes are serialised so an older
// snapshot never replaces a newer one.
func (d *daemon) publish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := &ipc.StatusSnapshot{
		Timestamp:      time.Now(),
		PID:            os.Getpid(),
		Version:        Version,
		BackendURL:     d.backendURL,
		BackendHealthy: d.healthy,
		LastCommand:    d.lastCommand,
		LastAction:     d.lastAction,
		CommandError:   d.cmdErr,
		Pipeline:       d.p.Snapshot(),
	}
	if err := ipc.WriteStatus(d.dir, status); err != nil {
		d.logger.Error("failed to write status", "error", err)
	}
}

func statusHandler(p *pipeline.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Snapshot()); err != nil {
			logger.Warn("failed to write status response", "remote", r.RemoteAddr, "error", err)
		}
	}
}

// startStatusServer serves /metrics and a JSON /status on addr.
func startStatusServer(addr string, m *metrics.Metrics, p *pipeline.Pipeline, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /status", statusHandler(p, logger))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", "error", err)
		}
	}()
	return srv
}
