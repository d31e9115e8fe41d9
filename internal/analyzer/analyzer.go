// Package analyzer tracks the loudness of the live input stream so the
// dispatcher can drop slices that carry no speech.
package analyzer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
)

const (
	DefaultGain             = 2.5
	DefaultSilenceThreshold = 2
	DefaultSmoothing        = 0.8
)

// Config tunes the level computation.
type Config struct {
	Gain             float64 // multiplier applied to the averaged magnitude
	SilenceThreshold uint8   // levels strictly below this are silent
	Smoothing        float64 // 0 disables smoothing, must be < 1
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Gain:             DefaultGain,
		SilenceThreshold: DefaultSilenceThreshold,
		Smoothing:        DefaultSmoothing,
	}
}

// Analyzer derives a 0-255 level from PCM frames. Level and IsSilent are
// safe to call from any goroutine.
type Analyzer struct {
	cfg Config

	mu       sync.Mutex
	smoothed float64

	level  atomic.Uint32
	active atomic.Bool
}

// New returns an inactive analyzer.
func New(cfg Config) *Analyzer {
	if cfg.Gain <= 0 {
		cfg.Gain = DefaultGain
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = DefaultSmoothing
	}
	return &Analyzer{cfg: cfg}
}

// Run marks the analyzer active and feeds it frames until ctx is done or
// frames is closed. On return the level is reset and the analyzer is
// inactive again.
func (a *Analyzer) Run(ctx context.Context, frames <-chan *goaudio.IntBuffer) {
	a.active.Store(true)
	defer a.release()

	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-frames:
			if !ok {
				return
			}
			a.Observe(buf)
		}
	}
}

// Observe folds one frame into the level.
func (a *Analyzer) Observe(buf *goaudio.IntBuffer) {
	if buf == nil || len(buf.Data) == 0 {
		return
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	fullScale := float64(int64(1) << uint(depth-1))

	var sum float64
	for _, s := range buf.Data {
		sum += math.Abs(float64(s))
	}
	avg := sum / float64(len(buf.Data)) / fullScale
	raw := math.Min(avg*255*a.cfg.Gain, 255)

	a.mu.Lock()
	a.smoothed = a.cfg.Smoothing*a.smoothed + (1-a.cfg.Smoothing)*raw
	v := a.smoothed
	a.mu.Unlock()

	a.level.Store(uint32(v))
}

// Level returns the current level in [0, 255].
func (a *Analyzer) Level() uint8 {
	return uint8(a.level.Load())
}

// Active reports whether a Run is in progress.
func (a *Analyzer) Active() bool {
	return a.active.Load()
}

// IsSilent reports whether the current level is below the threshold. An
// inactive analyzer never reports silence, so audio is not dropped when
// level tracking is unavailable.
func (a *Analyzer) IsSilent() bool {
	if !a.active.Load() {
		return false
	}
	return a.Level() < a.cfg.SilenceThreshold
}

func (a *Analyzer) release() {
	a.mu.Lock()
	a.smoothed = 0
	a.mu.Unlock()
	a.level.Store(0)
	a.active.Store(false)
}
