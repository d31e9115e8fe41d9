// Package capture turns a live input stream into fixed-length audio segments.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"

	"github.com/tiroq/scribe/internal/audio"
	"github.com/tiroq/scribe/internal/diaglog"
)

// DefaultTimeSlice is the segment length emitted while recording.
const DefaultTimeSlice = 8000 * time.Millisecond

var (
	ErrPermissionDenied = errors.New("capture: microphone access denied")
	ErrNoSource         = errors.New("capture: no audio input available")
	ErrAlreadyRecording = errors.New("capture: already recording")
)

// Stream is an open hardware input. Read fills buf with interleaved samples
// and may return 0, nil when no data is ready yet.
type Stream interface {
	Read(buf []int) (int, error)
	Close() error
}

// Source opens input streams.
type Source interface {
	Open(f audio.Format) (Stream, error)
}

// Handler receives every emitted segment, in order, on the capture goroutine.
type Handler func(seg audio.Segment)

// Device records segments until stopped. Stop returns whatever was captured
// after the last full slice, or nil when nothing was pending.
type Device interface {
	Start(ctx context.Context, onSegment Handler, taps ...chan<- *goaudio.IntBuffer) error
	Stop() (*audio.Segment, error)
	Recording() bool
}

// Config configures a SlicedDevice.
type Config struct {
	Format    audio.Format
	TimeSlice time.Duration
	FrameSize int // samples per Read
}

// SlicedDevice implements Device on top of a Source.
type SlicedDevice struct {
	src    Source
	cfg    Config
	logger *slog.Logger
	diag   *diaglog.Logger

	mu        sync.Mutex
	recording bool
	run       int
	cancel    context.CancelFunc
	done      chan struct{}
	partial   *audio.Segment
	loopErr   error
}

// NewSlicedDevice creates a device reading from src.
func NewSlicedDevice(src Source, cfg Config, logger *slog.Logger) *SlicedDevice {
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.TimeSlice <= 0 {
		cfg.TimeSlice = DefaultTimeSlice
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 1024 * cfg.Format.Channels
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlicedDevice{src: src, cfg: cfg, logger: logger, diag: diaglog.NewNoOp()}
}

// SetDiagLogger injects the diagnostic trail.
func (d *SlicedDevice) SetDiagLogger(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	d.diag = l
}

// Start opens the source and begins emitting segments. Every frame read is
// also offered to taps without blocking; a slow tap misses frames.
func (d *SlicedDevice) Start(ctx context.Context, onSegment Handler, taps ...chan<- *goaudio.IntBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recording {
		return ErrAlreadyRecording
	}
	stream, err := d.src.Open(d.cfg.Format)
	if err != nil {
		d.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentCapture,
			Event:     diaglog.EventCaptureError,
			Reason:    err.Error(),
		})
		return fmt.Errorf("open input: %w", err)
	}

	d.run++
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.partial = nil
	d.loopErr = nil
	d.recording = true

	d.logger.Info("capture started", "run", d.run, "time_slice", d.cfg.TimeSlice)
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCapture,
		Event:     diaglog.EventCaptureStart,
		Payload:   map[string]interface{}{"run": d.run, "time_slice_ms": d.cfg.TimeSlice.Milliseconds()},
	})

	go d.loop(runCtx, stream, d.run, onSegment, taps, d.done)
	return nil
}

// Stop halts emission and releases the stream. It is a no-op when the
// device is not recording.
func (d *SlicedDevice) Stop() (*audio.Segment, error) {
	d.mu.Lock()
	if !d.recording {
		d.mu.Unlock()
		return nil, nil
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	partial, err := d.partial, d.loopErr
	d.partial = nil
	d.recording = false
	d.cancel = nil

	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCapture,
		Event:     diaglog.EventCaptureStop,
		Payload:   map[string]interface{}{"run": d.run, "partial": partial != nil},
	})
	return partial, err
}

// Recording reports whether the device is between Start and Stop.
func (d *SlicedDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

func (d *SlicedDevice) loop(ctx context.Context, stream Stream, run int, onSegment Handler, taps []chan<- *goaudio.IntBuffer, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := stream.Close(); err != nil {
			d.logger.Warn("closing input stream", "error", err)
		}
	}()

	f := d.cfg.Format
	perSlice := f.SamplesFor(d.cfg.TimeSlice)
	frame := make([]int, d.cfg.FrameSize)
	pending := make([]int, 0, perSlice)
	seq := 0

	var loopErr error
	for ctx.Err() == nil {
		n, err := stream.Read(frame)
		if n > 0 {
			pending = append(pending, frame[:n]...)
			d.tap(taps, frame[:n])
			for len(pending) >= perSlice {
				d.emit(run, seq, pending[:perSlice], onSegment)
				seq++
				pending = append(make([]int, 0, perSlice), pending[perSlice:]...)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				loopErr = fmt.Errorf("read input: %w", err)
				d.logger.Error("capture read failed", "run", run, "error", err)
			}
			break
		}
	}

	var partial *audio.Segment
	if len(pending) > 0 {
		seg, err := audio.NewWAVSegment(f, run, seq, pending, time.Now())
		if err != nil {
			d.logger.Warn("encoding partial segment", "error", err)
		} else {
			partial = &seg
		}
	}

	d.mu.Lock()
	d.partial = partial
	d.loopErr = loopErr
	d.mu.Unlock()
}

func (d *SlicedDevice) emit(run, seq int, samples []int, onSegment Handler) {
	seg, err := audio.NewWAVSegment(d.cfg.Format, run, seq, samples, time.Now())
	if err != nil {
		d.logger.Error("encoding segment", "run", run, "seq", seq, "error", err)
		return
	}
	d.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentCapture,
		Event:     diaglog.EventSegmentEmitted,
		Payload:   map[string]interface{}{"run": run, "seq": seq, "bytes": seg.Size()},
	})
	if onSegment != nil {
		onSegment(seg)
	}
}

func (d *SlicedDevice) tap(taps []chan<- *goaudio.IntBuffer, samples []int) {
	if len(taps) == 0 {
		return
	}
	data := make([]int, len(samples))
	copy(data, samples)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: d.cfg.Format.Channels, SampleRate: d.cfg.Format.SampleRate},
		Data:           data,
		SourceBitDepth: d.cfg.Format.BitDepth,
	}
	for _, ch := range taps {
		select {
		case ch <- buf:
		default:
		}
	}
}
