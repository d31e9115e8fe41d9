// Command scribe-core is the capture daemon: it records consultations,
// streams chunks to the transcription backend and takes commands from
// scribe-ctl through the cache directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/scribe/internal/analyzer"
	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/backend"
	"github.com/tiroq/scribe/internal/capture"
	"github.com/tiroq/scribe/internal/config"
	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/dispatch"
	"github.com/tiroq/scribe/internal/finalize"
	"github.com/tiroq/scribe/internal/handoff"
	"github.com/tiroq/scribe/internal/ipc"
	"github.com/tiroq/scribe/internal/metrics"
	"github.com/tiroq/scribe/internal/pidfile"
	"github.com/tiroq/scribe/internal/pipeline"
	"github.com/tiroq/scribe/internal/poller"
	"github.com/tiroq/scribe/internal/preview"
)

// Version is set at link time.
var Version = "dev"

// shutdownTimeout bounds how long an interrupted recording may take to
// finalize before the daemon exits anyway.
const shutdownTimeout = 2 * time.Minute

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "scribe-core",
		Short:         "Consultation capture daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ~/.config/scribe/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scribe-core:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	if err := config.LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	return config.Load(path)
}

func run(cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)
	diaglog.Version = Version

	logger.Info("starting scribe-core", "version", Version, "pid", os.Getpid())

	cacheDir := ipc.CacheDir()
	pidPath := pidfile.PathFor(cacheDir, "scribe-core")
	pf, err := pidfile.New(pidPath)
	if err != nil {
		logger.Error("failed to create PID file", "path", pidPath, "error", err)
		return err
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warn("failed to remove PID file", "error", err)
		}
	}()

	diag, err := diaglog.New(ipc.DiagLogPath(cacheDir))
	if err != nil {
		logger.Warn("diagnostic log unavailable", "error", err)
		diag = diaglog.NewNoOp()
	}
	defer diag.Close()
	if diag.Enabled() {
		logger.Info("diagnostic logging enabled", "path", ipc.DiagLogPath(cacheDir))
	}

	m := metrics.New()
	client := backend.NewClient(backend.Config{
		BaseURL:        cfg.Backend.URL,
		Token:          cfg.Backend.Token,
		TimeoutSeconds: cfg.Backend.TimeoutSeconds,
		Retries:        cfg.Backend.Retries,
	})
	client.SetLogger(diag)

	healthy := checkBackend(client, logger)

	format := audio.Format{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels, BitDepth: 16}
	device := capture.NewSlicedDevice(capture.DefaultSource(cfg.Capture.FramesPerBuffer), capture.Config{
		Format:    format,
		TimeSlice: cfg.Capture.TimeSlice(),
		FrameSize: cfg.Capture.FramesPerBuffer * cfg.Capture.Channels,
	}, logger.With("component", "capture"))
	device.SetDiagLogger(diag)

	var pv *preview.Client
	if cfg.Preview.URL != "" {
		pv = preview.New(preview.Config{
			URL:        cfg.Preview.URL,
			Token:      cfg.Preview.Token,
			SampleRate: cfg.Capture.SampleRate,
		}, logger.With("component", "preview"))
	}

	p := pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		Device:  device,
		Backend: client,
		Preview: pv,
		Handoff: handoff.NewWriter(cfg.Output.Dir, cfg.Output.Formats, cfg.Capture.TimeSlice()),
		Logger:  logger,
		Metrics: m,
		Diag:    diag,
	})

	d := newDaemon(p, cacheDir, cfg.Backend.URL, healthy, logger, diag)
	p.OnChange(d.publish)
	d.publish()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.Status.MetricsAddr != "" {
		srv = startStatusServer(cfg.Status.MetricsAddr, m, p, logger)
	}

	watcher := &ipc.Watcher{Dir: cacheDir, Logger: logger.With("component", "ipc")}
	go func() {
		if err := watcher.Run(ctx, d.handle); err != nil {
			logger.Error("command watcher stopped", "error", err)
		}
	}()

	logger.Info("scribe-core running", "cache_dir", cacheDir, "backend", cfg.Backend.URL)
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-d.quit:
		logger.Info("quit requested")
	}

	shutdown(p, srv, logger)
	d.publish()
	logger.Info("scribe-core stopped")
	return nil
}

func checkBackend(client *backend.Client, logger *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hs, err := client.HealthCheck(ctx)
	if err != nil || !hs.OK {
		msg := "unreachable"
		if hs != nil {
			msg = hs.Message
		}
		logger.Warn("backend health check failed, chunks will fail until it is reachable", "message", msg)
		return false
	}
	logger.Info("backend healthy", "latency", hs.Latency)
	return true
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Analyzer: analyzer.Config{
			Gain:             cfg.Analyzer.Gain,
			SilenceThreshold: uint8(cfg.Analyzer.SilenceThreshold),
			Smoothing:        cfg.Analyzer.Smoothing,
		},
		Dispatch: dispatch.Config{
			TimeSlice:       cfg.Capture.TimeSlice(),
			PollInterval:    cfg.Polling.ChunkInterval(),
			MaxPollAttempts: cfg.Polling.ChunkMaxAttempts,
		},
		Finalize: finalize.Config{
			WaitCeiling:     cfg.Finalize.WaitCeiling(),
			WaitPoll:        500 * time.Millisecond,
			MonitorInterval: 5 * time.Second,
			Diarization: poller.Adaptive{
				Initial: cfg.Polling.DiarizationInitial(),
				Max:     cfg.Polling.DiarizationMax(),
				Growth:  cfg.Polling.DiarizationGrowth,
				MaxWait: cfg.Polling.DiarizationMaxWait(),
			},
		},
	}
}

// shutdown ends an active recording so nothing captured is lost, waits
// for the handoff, then releases everything.
func shutdown(p *pipeline.Pipeline, srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := p.End(); err == nil {
		logger.Info("recording active, finalizing before shutdown")
		if err := p.Wait(ctx); err != nil {
			logger.Warn("finalize did not finish before shutdown", "error", err)
		}
	}
	if err := p.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("closing pipeline", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown", "error", err)
		}
	}
}
