package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets a writer finish before cmd.txt is read.
const settleDelay = 50 * time.Millisecond

// Watcher delivers commands written to dir/cmd.txt.
type Watcher struct {
	Dir          string
	PollInterval time.Duration // fallback polling, default 1s
	Logger       *slog.Logger
}

// Run calls handle for every command until ctx is done. It uses fsnotify
// on the cache directory and keeps a slow poll as a fallback; if fsnotify
// is unavailable it polls only.
func (w *Watcher) Run(ctx context.Context, handle func(Request)) error {
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.Logger == nil {
		w.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	// Anything left from before startup is stale.
	if _, err := ReadCommand(w.Dir); err != nil {
		w.Logger.Warn("clearing stale command", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.Logger.Warn("fsnotify not available, falling back to polling", "error", err)
		return w.poll(ctx, handle)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		w.Logger.Warn("failed to watch command directory, falling back to polling", "error", err)
		return w.poll(ctx, handle)
	}
	w.Logger.Info("command watcher started", "dir", w.Dir, "mode", "fsnotify")

	cmdPath := CommandPath(w.Dir)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				w.Logger.Warn("fsnotify watcher closed, switching to polling")
				return w.poll(ctx, handle)
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.deliver(ctx, handle)
				lastCheck = time.Now()
			}
		case <-ticker.C:
			if info, err := os.Stat(cmdPath); err == nil && info.ModTime().After(lastCheck) {
				w.deliver(ctx, handle)
				lastCheck = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				w.Logger.Warn("fsnotify error channel closed, switching to polling")
				return w.poll(ctx, handle)
			}
			w.Logger.Error("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, handle func(Request)) error {
	w.Logger.Info("command watcher started", "dir", w.Dir, "mode", "polling", "interval", w.PollInterval)
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()
	cmdPath := CommandPath(w.Dir)
	lastCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(cmdPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastCheck) {
				w.deliver(ctx, handle)
			}
			lastCheck = time.Now()
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, handle func(Request)) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
	}
	req, err := ReadCommand(w.Dir)
	if err != nil {
		w.Logger.Error("reading command", "error", err)
		return
	}
	if req.Cmd == "" {
		return
	}
	handle(req)
}
