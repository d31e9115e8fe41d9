//go:build portaudio

package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/tiroq/scribe/internal/audio"
)

// PortAudioSource reads the default input device.
type PortAudioSource struct {
	FramesPerBuffer int
}

// DefaultSource returns the microphone source for this build.
func DefaultSource(framesPerBuffer int) Source {
	return &PortAudioSource{FramesPerBuffer: framesPerBuffer}
}

// Open initializes PortAudio and starts a blocking input stream. Each
// stream holds its own Initialize/Terminate pair.
func (s *PortAudioSource) Open(f audio.Format) (Stream, error) {
	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = 1024
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, classify(err)
	}
	in := make([]int16, frames*f.Channels)
	stream, err := portaudio.OpenDefaultStream(f.Channels, 0, float64(f.SampleRate), frames, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, classify(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, classify(err)
	}
	return &paStream{stream: stream, in: in, off: len(in)}, nil
}

type paStream struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	in     []int16
	off    int // next unread position in in
	closed bool
}

func (p *paStream) Read(buf []int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("read on closed stream")
	}
	if p.off >= len(p.in) {
		if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
		p.off = 0
	}
	n := 0
	for n < len(buf) && p.off < len(p.in) {
		buf[n] = int(p.in[p.off])
		n++
		p.off++
	}
	return n, nil
}

func (p *paStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	if err := p.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := p.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func classify(err error) error {
	switch {
	case errors.Is(err, portaudio.DeviceUnavailable):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, portaudio.InvalidDevice), errors.Is(err, portaudio.HostApiNotFound):
		return fmt.Errorf("%w: %v", ErrNoSource, err)
	default:
		return err
	}
}
